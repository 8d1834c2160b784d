package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TrackedStatus 被跟踪执行的状态
type TrackedStatus string

const (
	TrackedRunning        TrackedStatus = "running"
	TrackedCompleted      TrackedStatus = "completed"
	TrackedTimedOut       TrackedStatus = "timed_out"
	TrackedResourceKilled TrackedStatus = "resource_killed"
)

// ResourceUsage 一次资源采样结果
type ResourceUsage struct {
	MemoryMB   float64
	CPUPercent float64
}

// ResourceProbe 资源采样探针，由调用方提供具体实现
type ResourceProbe func(ctx context.Context) (ResourceUsage, error)

// ResourceLimits 资源限制配置
type ResourceLimits struct {
	MaxMemoryMB    float64       `json:"max_memory_mb"`
	MaxCPUPercent  float64       `json:"max_cpu_percent"`
	SampleInterval time.Duration `json:"sample_interval"`
}

// maxConsecutiveViolations 连续越限多少次后强制终止
const maxConsecutiveViolations = 3

// trackedExecution 单个被跟踪的执行及其看门狗
type trackedExecution struct {
	id       string
	cancel   context.CancelFunc
	deadline time.Time
	status   TrackedStatus
	done     chan struct{}
}

// TimeoutManager 超时与资源看门狗
// 每个被跟踪执行对应一个独立的 watcher goroutine，超时或资源连续越限时
// 通过 cancel 强制终止目标任务。这是引擎中唯一允许异步终止其他任务的组件。
type TimeoutManager struct {
	mu         sync.Mutex
	executions map[string]*trackedExecution
	logger     *zap.Logger
}

// NewTimeoutManager 创建超时管理器
func NewTimeoutManager(logger *zap.Logger) *TimeoutManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutManager{
		executions: make(map[string]*trackedExecution),
		logger:     logger.With(zap.String("component", "timeout_manager")),
	}
}

// Track 开始跟踪一个执行；超时后调用 cancel 并标记 timed_out
// cancel 是协作式取消：引擎不会强杀 worker 内部并发
func (m *TimeoutManager) Track(id string, timeout time.Duration, cancel context.CancelFunc) {
	m.mu.Lock()
	te := &trackedExecution{
		id:       id,
		cancel:   cancel,
		deadline: time.Now().Add(timeout),
		status:   TrackedRunning,
		done:     make(chan struct{}),
	}
	m.executions[id] = te
	m.mu.Unlock()

	go m.watch(te, timeout)
}

// TrackWithResources 跟踪执行并附加资源采样循环
// probe 连续 3 次越限即强制终止，独立于超时时钟
func (m *TimeoutManager) TrackWithResources(id string, timeout time.Duration, cancel context.CancelFunc, probe ResourceProbe, limits ResourceLimits) {
	m.Track(id, timeout, cancel)

	m.mu.Lock()
	te, ok := m.executions[id]
	m.mu.Unlock()
	if !ok || probe == nil {
		return
	}

	go m.sample(te, probe, limits)
}

// watch 超时看门狗
func (m *TimeoutManager) watch(te *trackedExecution, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-te.done:
		return
	case <-timer.C:
	}

	m.mu.Lock()
	if te.status != TrackedRunning {
		m.mu.Unlock()
		return
	}
	te.status = TrackedTimedOut
	close(te.done)
	m.mu.Unlock()

	m.logger.Warn("execution timed out, terminating",
		zap.String("execution_id", te.id),
		zap.Duration("timeout", timeout))
	te.cancel()
}

// sample 资源采样循环
func (m *TimeoutManager) sample(te *trackedExecution, probe ResourceProbe, limits ResourceLimits) {
	interval := limits.SampleInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	violations := 0
	for {
		select {
		case <-te.done:
			return
		case <-ticker.C:
		}

		usage, err := probe(ctx)
		if err != nil {
			m.logger.Debug("resource probe failed",
				zap.String("execution_id", te.id), zap.Error(err))
			continue
		}

		exceeded := (limits.MaxMemoryMB > 0 && usage.MemoryMB > limits.MaxMemoryMB) ||
			(limits.MaxCPUPercent > 0 && usage.CPUPercent > limits.MaxCPUPercent)
		if !exceeded {
			violations = 0
			continue
		}

		violations++
		m.logger.Warn("resource limit violation",
			zap.String("execution_id", te.id),
			zap.Float64("memory_mb", usage.MemoryMB),
			zap.Float64("cpu_percent", usage.CPUPercent),
			zap.Int("consecutive", violations))

		if violations < maxConsecutiveViolations {
			continue
		}

		m.mu.Lock()
		if te.status != TrackedRunning {
			m.mu.Unlock()
			return
		}
		te.status = TrackedResourceKilled
		close(te.done)
		m.mu.Unlock()

		m.logger.Warn("resource limits exceeded, terminating",
			zap.String("execution_id", te.id))
		te.cancel()
		return
	}
}

// Complete 标记执行正常结束，停止其看门狗
// 返回 false 表示执行不存在或已被看门狗终止
func (m *TimeoutManager) Complete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	te, ok := m.executions[id]
	if !ok {
		return false
	}
	delete(m.executions, id)

	if te.status != TrackedRunning {
		return false
	}
	te.status = TrackedCompleted
	close(te.done)
	return true
}

// Status 查询执行状态
func (m *TimeoutManager) Status(id string) (TrackedStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	te, ok := m.executions[id]
	if !ok {
		return "", false
	}
	return te.status, true
}

// Shutdown 停止所有看门狗（不取消其目标任务）
func (m *TimeoutManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, te := range m.executions {
		if te.status == TrackedRunning {
			te.status = TrackedCompleted
			close(te.done)
		}
		delete(m.executions, id)
	}
}
