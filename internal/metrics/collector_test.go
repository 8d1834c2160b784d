package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("agentorch", reg, zap.NewNop())

	c.RecordExecution("parallel", "completed", 2*time.Second)
	c.RecordExecution("parallel", "failed", time.Second)
	c.ExecutionStarted("parallel")
	c.RecordAgentCall("agent-1", "success", 100*time.Millisecond)
	c.RecordBreakerTransition("llm", "closed", "open")
	c.RecordRejectedCall("llm")
	c.RecordRetryAttempt("agent-1")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.executionsTotal.WithLabelValues("parallel", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.activeExecutions.WithLabelValues("parallel")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.rejectedCalls.WithLabelValues("llm")))

	c.ExecutionFinished("parallel")
	assert.Equal(t, float64(0), testutil.ToFloat64(
		c.activeExecutions.WithLabelValues("parallel")))
}
