package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecutionResultTerminalImmutable(t *testing.T) {
	r := NewExecutionResult("exec-1", "sequential")
	assert.Equal(t, StatusRunning, r.CurrentStatus())

	r.SetResult("a", "out-a")
	r.MarkFailed("agent a blew up")
	assert.Equal(t, StatusFailed, r.CurrentStatus())
	assert.Equal(t, "agent a blew up", r.Error)

	// 终态后所有写入都是 no-op
	r.MarkCompleted()
	r.MarkCancelled()
	r.SetResult("b", "out-b")
	r.SetMetric("late", 1)

	snap := r.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Results, "a")
	assert.NotContains(t, snap.Results, "b")
	assert.NotContains(t, snap.Metrics, "late")
	assert.False(t, snap.EndTime.IsZero())
}

func TestExecutionResultSnapshotIsCopy(t *testing.T) {
	r := NewExecutionResult("exec-2", "parallel")
	r.SetResult("x", 1)

	snap := r.Snapshot()
	snap.Results["y"] = 2

	assert.NotContains(t, r.Snapshot().Results, "y")
}

func TestExecutionResultDuration(t *testing.T) {
	r := NewExecutionResult("exec-3", "parallel")
	time.Sleep(5 * time.Millisecond)
	r.MarkCompleted()
	d := r.Duration()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Equal(t, d, r.Duration())
}

func TestValidationResult(t *testing.T) {
	v := NewValidationResult()
	assert.True(t, v.Valid)

	v.AddWarning("agents declare dependencies")
	assert.True(t, v.Valid)

	v.AddError("agents is required")
	v.AddSuggestion("provide at least 2 agents")
	assert.False(t, v.Valid)
	assert.Len(t, v.Errors, 1)
	assert.Len(t, v.Warnings, 1)
	assert.Len(t, v.Suggestions, 1)
}

func TestErrorChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := WorkerError("agent-7", cause)

	assert.Equal(t, ErrWorker, CodeOf(err))
	assert.True(t, IsCode(err, ErrWorker))
	assert.False(t, IsCode(err, ErrTimeout))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "agent-7")
	assert.True(t, err.Retryable)

	plain := errors.New("plain")
	assert.Equal(t, ErrInternal, CodeOf(plain))
}

func TestAgentSpecCapabilities(t *testing.T) {
	a := AgentSpec{ID: "a1", Capabilities: []string{"search", "summarize"}}
	assert.True(t, a.HasCapability("search"))
	assert.False(t, a.HasCapability("translate"))
}
