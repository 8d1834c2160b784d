package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/types"
)

func hierarchicalConfig() map[string]any {
	return map[string]any{"agents": agentList(
		types.AgentSpec{ID: "boss", Role: types.RoleManager},
		types.AgentSpec{ID: "w1", Role: types.RoleWorker},
		types.AgentSpec{ID: "w2", Role: types.RoleWorker},
		types.AgentSpec{ID: "judge", Role: types.RoleCritic},
	)}
}

func TestHierarchicalFullFlow(t *testing.T) {
	var criticSaw map[string]any
	inv := newRecordingInvoker().
		on("boss", func(task map[string]any) (map[string]any, error) {
			assert.Equal(t, "manager", task["role"])
			assert.ElementsMatch(t, []string{"w1", "w2"}, task["workers"])
			return map[string]any{"assignments": map[string]any{
				"w1": "research",
				"w2": "summarize",
			}}, nil
		}).
		on("w1", func(task map[string]any) (map[string]any, error) {
			assert.Equal(t, "research", task["assignment"])
			return map[string]any{"done": "w1"}, nil
		}).
		on("w2", func(task map[string]any) (map[string]any, error) {
			assert.Equal(t, "summarize", task["assignment"])
			return map[string]any{"done": "w2"}, nil
		}).
		on("judge", func(task map[string]any) (map[string]any, error) {
			criticSaw = task["results"].(map[string]any)
			return map[string]any{"verdict": "approved"}, nil
		})
	orch, err := New(PatternHierarchical, testDeps(inv))
	require.NoError(t, err)

	result, err := orch.Execute(context.Background(), hierarchicalConfig(), nil, "user", "")

	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.CurrentStatus())
	assert.Equal(t, "boss", inv.callOrder()[0])

	require.NotNil(t, criticSaw)
	assert.Contains(t, criticSaw, "w1")
	assert.Contains(t, criticSaw, "w2")

	snap := result.Snapshot()
	assert.Equal(t, map[string]any{"verdict": "approved"}, snap.Results["judge"])
	assert.Equal(t, 0.0, snap.Metrics["workers_failed"])
}

func TestHierarchicalManagerFailureAborts(t *testing.T) {
	inv := newRecordingInvoker().on("boss", func(task map[string]any) (map[string]any, error) {
		return nil, errors.New("no plan")
	})
	orch, err := New(PatternHierarchical, testDeps(inv))
	require.NoError(t, err)

	result, err := orch.Execute(context.Background(), hierarchicalConfig(), nil, "user", "")

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWorker))
	assert.Equal(t, types.StatusFailed, result.CurrentStatus())
	// worker 与 critic 均未被调用
	assert.Equal(t, []string{"boss"}, inv.callOrder())
}

func TestHierarchicalWorkerFailureIsolated(t *testing.T) {
	inv := newRecordingInvoker().on("w1", func(task map[string]any) (map[string]any, error) {
		return nil, errors.New("w1 down")
	})
	orch, err := New(PatternHierarchical, testDeps(inv))
	require.NoError(t, err)

	result, _ := orch.Execute(context.Background(), hierarchicalConfig(), nil, "user", "")

	snap := result.Snapshot()
	assert.Equal(t, types.StatusFailed, snap.Status)
	assert.Contains(t, snap.Results, "w2")
	entry := snap.Results["w1"].(map[string]any)
	assert.Equal(t, "failed", entry["status"])
	// critic 仍然评审了幸存 worker 的成果
	assert.Equal(t, 1, inv.callCount("judge"))
}

func TestHierarchicalCriticFailureDoesNotDiscardResults(t *testing.T) {
	inv := newRecordingInvoker().on("judge", func(task map[string]any) (map[string]any, error) {
		return nil, errors.New("critic offline")
	})
	orch, err := New(PatternHierarchical, testDeps(inv))
	require.NoError(t, err)

	result, _ := orch.Execute(context.Background(), hierarchicalConfig(), nil, "user", "")

	snap := result.Snapshot()
	assert.Equal(t, types.StatusFailed, snap.Status)
	assert.Contains(t, snap.Results, "w1")
	assert.Contains(t, snap.Results, "w2")
	entry := snap.Results["judge"].(map[string]any)
	assert.Equal(t, "failed", entry["status"])
}

func TestHierarchicalPlanWithoutAssignmentsSharesPlan(t *testing.T) {
	plan := map[string]any{"goal": "build the thing"}
	inv := newRecordingInvoker().
		on("boss", func(task map[string]any) (map[string]any, error) {
			return plan, nil
		}).
		onAny(func(agentID string, task map[string]any) (map[string]any, error) {
			assert.Equal(t, plan, task["assignment"])
			return map[string]any{}, nil
		})
	orch, err := New(PatternHierarchical, testDeps(inv))
	require.NoError(t, err)

	config := map[string]any{"agents": agentList(
		types.AgentSpec{ID: "boss", Role: types.RoleManager},
		types.AgentSpec{ID: "w1"},
		types.AgentSpec{ID: "w2"},
	)}
	_, err = orch.Execute(context.Background(), config, nil, "user", "")
	require.NoError(t, err)
}

func TestHierarchicalValidationRoles(t *testing.T) {
	orch, err := New(PatternHierarchical, testDeps(newRecordingInvoker()))
	require.NoError(t, err)

	// 没有 manager
	v := orch.ValidateConfiguration(map[string]any{"agents": workerIDsOnly("a", "b", "c")})
	assert.False(t, v.Valid)

	// manager + 单 worker 不足
	v = orch.ValidateConfiguration(map[string]any{"agents": agentList(
		types.AgentSpec{ID: "m", Role: types.RoleManager},
		types.AgentSpec{ID: "w", Role: types.RoleWorker},
		types.AgentSpec{ID: "m2", Role: types.RoleManager},
	)})
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Warnings)
}
