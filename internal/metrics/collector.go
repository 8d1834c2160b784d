// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器
type Collector struct {
	// 编排指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	activeExecutions  *prometheus.GaugeVec
	agentCallsTotal   *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec

	// 弹性指标
	breakerTransitions *prometheus.CounterVec
	rejectedCalls      *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// reg 为 nil 时使用 prometheus.DefaultRegisterer
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 编排指标
	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of orchestration executions",
		},
		[]string{"pattern", "status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Orchestration execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"pattern"},
	)

	c.activeExecutions = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of currently active executions",
		},
		[]string{"pattern"},
	)

	c.agentCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"agent_id", "status"},
	)

	c.agentCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_id"},
	)

	// 弹性指标
	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from_state", "to_state"},
	)

	c.rejectedCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_calls_total",
			Help:      "Calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	return c
}

// RecordExecution 记录一次完成的编排执行
func (c *Collector) RecordExecution(pattern, status string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(pattern, status).Inc()
	c.executionDuration.WithLabelValues(pattern).Observe(duration.Seconds())
}

// ExecutionStarted 活跃执行数 +1
func (c *Collector) ExecutionStarted(pattern string) {
	c.activeExecutions.WithLabelValues(pattern).Inc()
}

// ExecutionFinished 活跃执行数 -1
func (c *Collector) ExecutionFinished(pattern string) {
	c.activeExecutions.WithLabelValues(pattern).Dec()
}

// RecordAgentCall 记录一次 Agent 调用
func (c *Collector) RecordAgentCall(agentID, status string, duration time.Duration) {
	c.agentCallsTotal.WithLabelValues(agentID, status).Inc()
	c.agentCallDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(breaker, from, to string) {
	c.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordRejectedCall 记录熔断拒绝
func (c *Collector) RecordRejectedCall(breaker string) {
	c.rejectedCalls.WithLabelValues(breaker).Inc()
}

// RecordRetryAttempt 记录一次重试
func (c *Collector) RecordRetryAttempt(operation string) {
	c.retryAttempts.WithLabelValues(operation).Inc()
}
