package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/ringbuf"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义
var (
	// ErrOpen 熔断器打开，调用被拒绝（不计入失败）
	ErrOpen = errors.New("circuit breaker is open")
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `json:"failure_threshold"`
	// FailureRateThreshold 窗口失败率阈值 (0,1]，0 表示禁用
	FailureRateThreshold float64 `json:"failure_rate_threshold"`
	// SlowCallRateThreshold 窗口慢调用率阈值 (0,1]，0 表示禁用
	SlowCallRateThreshold float64 `json:"slow_call_rate_threshold"`
	// SlowCallDuration 慢调用判定时长
	SlowCallDuration time.Duration `json:"slow_call_duration"`
	// MinimumSamples 窗口率判定所需的最小样本数
	MinimumSamples int `json:"minimum_samples"`
	// WindowSize 调用结果环形缓冲区容量
	WindowSize int `json:"window_size"`
	// OpenTimeout 熔断后等待进入半开的冷却时间
	OpenTimeout time.Duration `json:"timeout_seconds"`
	// HalfOpenSuccesses 半开状态下连续成功多少次后恢复
	HalfOpenSuccesses int `json:"half_open_successes"`
	// OnStateChange 状态变更回调（异步触发）
	OnStateChange func(name string, from, to State) `json:"-"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:      5,
		FailureRateThreshold:  0.5,
		SlowCallRateThreshold: 0.8,
		SlowCallDuration:      10 * time.Second,
		MinimumSamples:        10,
		WindowSize:            50,
		OpenTimeout:           30 * time.Second,
		HalfOpenSuccesses:     2,
	}
}

// callOutcome 单次调用的结果记录，支撑窗口率与滚动平均延迟计算
type callOutcome struct {
	Success  bool
	Slow     bool
	Duration time.Duration
	At       time.Time
}

// BreakerStats 熔断器聚合统计（快照）
type BreakerStats struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCalls          int64         `json:"total_calls"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalFailures       int64         `json:"total_failures"`
	RejectedCalls       int64         `json:"rejected_calls"`
	SlowCalls           int64         `json:"slow_calls"`
	WindowFailureRate   float64       `json:"window_failure_rate"`
	WindowSlowRate      float64       `json:"window_slow_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	LastStateChange     time.Time     `json:"last_state_change"`
}

// CircuitBreaker 熔断器实现
// 每个被保护的依赖一个实例，进程生命周期内存活（或显式 Reset）
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	lastTransition      time.Time
	window              *ringbuf.Ring[callOutcome]

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	rejectedCalls  int64
	slowCalls      int64
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(name string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = 2
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 50
	}
	if config.MinimumSamples <= 0 {
		config.MinimumSamples = 10
	}
	if config.SlowCallDuration <= 0 {
		config.SlowCallDuration = 10 * time.Second
	}

	return &CircuitBreaker{
		name:           name,
		config:         config,
		logger:         logger.With(zap.String("breaker", name)),
		state:          StateClosed,
		lastTransition: time.Now(),
		window:         ringbuf.New[callOutcome](config.WindowSize),
	}
}

// Execute 在熔断器保护下执行调用
// open 状态下直接返回 ErrOpen，调用不会被尝试
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := fn(ctx)
	cb.afterCall(err == nil, time.Since(start))

	if err != nil {
		return nil, err
	}
	return result, nil
}

// beforeCall 调用前状态检查
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		// 冷却期结束后进入半开试探
		if time.Since(cb.lastTransition) >= cb.config.OpenTimeout {
			cb.transitionTo(StateHalfOpen, "open timeout elapsed")
			cb.halfOpenSuccesses = 0
			return nil
		}
		cb.rejectedCalls++
		return fmt.Errorf("%w: %s rejected, retry after %v", ErrOpen, cb.name,
			cb.config.OpenTimeout-time.Since(cb.lastTransition))

	case StateHalfOpen:
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// afterCall 调用后计数与状态转换
func (cb *CircuitBreaker) afterCall(success bool, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	slow := duration >= cb.config.SlowCallDuration
	cb.window.Push(callOutcome{Success: success, Slow: slow, Duration: duration, At: time.Now()})

	cb.totalCalls++
	if slow {
		cb.slowCalls++
	}

	if success {
		cb.totalSuccesses++
		cb.onSuccess()
	} else {
		cb.totalFailures++
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
		// 成功调用仍可能因慢调用率触发熔断
		if cb.shouldTripOnRates() {
			cb.transitionTo(StateOpen, "windowed rate threshold exceeded")
		}

	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.transitionTo(StateClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.halfOpenSuccesses))
			cb.consecutiveFailures = 0
			cb.halfOpenSuccesses = 0
			cb.window = ringbuf.New[callOutcome](cb.config.WindowSize)
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFailures++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", cb.consecutiveFailures))
			return
		}
		if cb.shouldTripOnRates() {
			cb.transitionTo(StateOpen, "windowed rate threshold exceeded")
		}

	case StateHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.halfOpenSuccesses = 0
		cb.transitionTo(StateOpen, "failure in half-open state")
	}
}

// shouldTripOnRates 窗口失败率 / 慢调用率判定（必须在锁内调用）
func (cb *CircuitBreaker) shouldTripOnRates() bool {
	outcomes := cb.window.Snapshot()
	if len(outcomes) < cb.config.MinimumSamples {
		return false
	}

	var failures, slow int
	for _, o := range outcomes {
		if !o.Success {
			failures++
		}
		if o.Slow {
			slow++
		}
	}
	total := float64(len(outcomes))

	if cb.config.FailureRateThreshold > 0 && float64(failures)/total >= cb.config.FailureRateThreshold {
		return true
	}
	if cb.config.SlowCallRateThreshold > 0 && float64(slow)/total >= cb.config.SlowCallRateThreshold {
		return true
	}
	return false
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState State, reason string) {
	oldState := cb.state
	cb.state = newState
	cb.lastTransition = time.Now()

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", cb.consecutiveFailures))

	if cb.config.OnStateChange != nil {
		// 异步通知避免回调内再进入熔断器导致死锁
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats 返回聚合统计快照
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	outcomes := cb.window.Snapshot()
	var failures, slow int
	var totalLatency time.Duration
	for _, o := range outcomes {
		if !o.Success {
			failures++
		}
		if o.Slow {
			slow++
		}
		totalLatency += o.Duration
	}

	stats := BreakerStats{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalCalls:          cb.totalCalls,
		TotalSuccesses:      cb.totalSuccesses,
		TotalFailures:       cb.totalFailures,
		RejectedCalls:       cb.rejectedCalls,
		SlowCalls:           cb.slowCalls,
		LastStateChange:     cb.lastTransition,
	}
	if len(outcomes) > 0 {
		stats.WindowFailureRate = float64(failures) / float64(len(outcomes))
		stats.WindowSlowRate = float64(slow) / float64(len(outcomes))
		stats.AvgLatency = totalLatency / time.Duration(len(outcomes))
	}
	return stats
}

// Reset 重置熔断器到初始关闭状态
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.lastTransition = time.Now()
	cb.window = ringbuf.New[callOutcome](cb.config.WindowSize)

	if oldState != StateClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, StateClosed)
	}
}

// BreakerRegistry 熔断器注册表，按依赖名管理所有熔断器
type BreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewBreakerRegistry 创建熔断器注册表
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// GetOrCreate 获取或创建指定依赖的熔断器
func (r *BreakerRegistry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, r.config, r.logger)
	r.breakers[name] = cb
	return cb
}

// AllStats 所有熔断器的统计快照
func (r *BreakerRegistry) AllStats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// ResetAll 重置所有熔断器
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
