package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/eventbus"
	"github.com/BaSui01/agentorch/internal/metrics"
	"github.com/BaSui01/agentorch/internal/ringbuf"
	"github.com/BaSui01/agentorch/resilience"
	"github.com/BaSui01/agentorch/types"
)

// Orchestrator 编排器统一契约
// 所有模式共享同一执行簿记：注册、进度、取消、只读内省。
type Orchestrator interface {
	// Type 返回编排模式
	Type() PatternType

	// ValidateConfiguration 纯配置校验，不产生任何副作用
	ValidateConfiguration(config map[string]any) *types.ValidationResult

	// Execute 同步执行；配置无效时返回 VALIDATION_ERROR
	Execute(ctx context.Context, config, input map[string]any, userID, executionID string) (*types.ExecutionResult, error)

	// ExecuteAsync 异步执行，立即返回执行句柄
	// 所有失败都折叠进 ExecutionResult，绝不向调用方抛出
	// 返回的句柄由后台执行并发修改，读取请使用 Snapshot/CurrentStatus
	ExecuteAsync(ctx context.Context, config, input map[string]any, userID, executionID string) *types.ExecutionResult

	// ExecuteStreaming 流式执行，产出一次性有限更新序列
	// 首条为 started 进度更新，末条为 result 或 error
	ExecuteStreaming(ctx context.Context, config, input map[string]any, userID, executionID string) (<-chan types.StreamingUpdate, error)

	// CancelExecution 协作式取消：标记执行取消并取消其未完成的 Agent 调用
	// 不会强杀 worker 内部并发（若需强制终止请配置 timeout_seconds）
	CancelExecution(executionID string) bool

	// GetExecutionStatus 查询执行状态快照
	GetExecutionStatus(executionID string) (types.ExecutionResult, bool)

	// ListActiveExecutions 列出所有未终态执行的快照
	ListActiveExecutions() []types.ExecutionResult
}

// Deps 策略构造依赖，由 Factory 统一装配
type Deps struct {
	// Invoker 唯一的外呼调用契约（必填）
	Invoker types.AgentInvoker
	// Logger 为 nil 时使用 zap.NewNop()
	Logger *zap.Logger
	// Metrics 可选的指标收集器
	Metrics *metrics.Collector
	// Breakers 熔断器注册表；为 nil 时按默认配置创建
	Breakers *resilience.BreakerRegistry
	// Timeouts 超时看门狗；为 nil 时创建
	Timeouts *resilience.TimeoutManager
	// Bus 事件总线（event_driven 模式）；为 nil 时使用进程内总线
	Bus eventbus.Bus
}

func (d Deps) normalize() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Breakers == nil {
		cfg := resilience.DefaultBreakerConfig()
		if d.Metrics != nil {
			collector := d.Metrics
			cfg.OnStateChange = func(name string, from, to resilience.State) {
				collector.RecordBreakerTransition(name, from.String(), to.String())
			}
		}
		d.Breakers = resilience.NewBreakerRegistry(cfg, d.Logger)
	}
	if d.Timeouts == nil {
		d.Timeouts = resilience.NewTimeoutManager(d.Logger)
	}
	return d
}

// strategy 模式内核：BaseOrchestrator 代理公共契约，内核只实现算法本身
type strategy interface {
	Type() PatternType
	ValidateConfiguration(config map[string]any) *types.ValidationResult
	run(ctx context.Context, ec *execContext) error
}

// execContext 单次执行的上下文
type execContext struct {
	config map[string]any
	input  map[string]any
	userID string
	result *types.ExecutionResult
	emit   func(kind types.UpdateKind, payload map[string]any)
	policy callPolicy
}

// callPolicy 单次 Agent 调用的弹性包装配置
type callPolicy struct {
	retryer     *resilience.Retryer
	useBreaker  bool
	callTimeout time.Duration
}

// parseCallPolicy 从配置解析弹性包装
func parseCallPolicy(config map[string]any, logger *zap.Logger, collector *metrics.Collector, pattern string) callPolicy {
	var p callPolicy

	if rc := cfgMap(config, "retry"); rc != nil {
		policy := &resilience.RetryPolicy{
			MaxAttempts: cfgInt(rc, "max_attempts", 3),
			Strategy:    resilience.BackoffStrategy(cfgString(rc, "strategy", string(resilience.BackoffExponential))),
			BaseDelay:   cfgSeconds(rc, "base_delay", time.Second),
			MaxDelay:    cfgSeconds(rc, "max_delay", 30*time.Second),
			Multiplier:  cfgFloat(rc, "multiplier", 2.0),
			Jitter:      cfgBool(rc, "jitter", false),
		}
		if collector != nil {
			// 首次尝试不算重试，只在进入退避时计数
			policy.OnRetry = func(attempt int, err error, delay time.Duration) {
				collector.RecordRetryAttempt(pattern)
			}
		}
		p.retryer = resilience.NewRetryer(policy, logger)
	}

	if bc := cfgMap(config, "circuit_breaker"); bc != nil {
		p.useBreaker = cfgBool(bc, "enabled", true)
	}

	p.callTimeout = cfgSeconds(config, "call_timeout", 0)
	return p
}

// activeExecution 注册表中的活跃执行
type activeExecution struct {
	result *types.ExecutionResult
	cancel context.CancelFunc
}

// finishedHistoryCap 已结束执行保留的快照数量
const finishedHistoryCap = 128

// BaseOrchestrator 编排器公共簿记
// 策略类型嵌入本类型并实现 strategy 内核接口
type BaseOrchestrator struct {
	core     strategy
	invoker  types.AgentInvoker
	logger   *zap.Logger
	metrics  *metrics.Collector
	breakers *resilience.BreakerRegistry
	timeouts *resilience.TimeoutManager

	mu       sync.RWMutex
	active   map[string]*activeExecution
	finished *ringbuf.Ring[types.ExecutionResult]
}

// newBase 创建公共簿记；core 为具体模式内核
func newBase(core strategy, deps Deps) *BaseOrchestrator {
	deps = deps.normalize()
	return &BaseOrchestrator{
		core:     core,
		invoker:  deps.Invoker,
		logger:   deps.Logger.With(zap.String("pattern", string(core.Type()))),
		metrics:  deps.Metrics,
		breakers: deps.Breakers,
		timeouts: deps.Timeouts,
		active:   make(map[string]*activeExecution),
		finished: ringbuf.New[types.ExecutionResult](finishedHistoryCap),
	}
}

func idOrNew(executionID string) string {
	if executionID != "" {
		return executionID
	}
	return uuid.New().String()
}

// Execute 同步执行
func (b *BaseOrchestrator) Execute(ctx context.Context, config, input map[string]any, userID, executionID string) (*types.ExecutionResult, error) {
	if vr := b.core.ValidateConfiguration(config); !vr.Valid {
		msg := strings.Join(vr.Errors, "; ")
		result := types.NewExecutionResult(idOrNew(executionID), string(b.core.Type()))
		result.MarkFailed("configuration invalid: " + msg)
		return result, types.NewError(types.ErrValidation, msg)
	}
	return b.execute(ctx, config, input, userID, executionID, nil)
}

// ExecuteAsync 异步执行；所有失败折叠进结果
func (b *BaseOrchestrator) ExecuteAsync(ctx context.Context, config, input map[string]any, userID, executionID string) *types.ExecutionResult {
	if vr := b.core.ValidateConfiguration(config); !vr.Valid {
		result := types.NewExecutionResult(idOrNew(executionID), string(b.core.Type()))
		result.MarkFailed("configuration invalid: " + strings.Join(vr.Errors, "; "))
		return result
	}

	executionID = idOrNew(executionID)
	result := types.NewExecutionResult(executionID, string(b.core.Type()))

	// 异步执行脱离调用方 ctx 的生命周期，取消通过 CancelExecution
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.register(executionID, result, cancel)

	go func() {
		defer cancel()
		defer b.finish(executionID)

		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("execution panicked",
					zap.String("execution_id", executionID), zap.Any("recover", r))
				result.MarkFailed("internal error: execution panicked")
			}
		}()

		b.runCore(runCtx, config, input, userID, result, nil)
	}()

	return result
}

// ExecuteStreaming 流式执行
func (b *BaseOrchestrator) ExecuteStreaming(ctx context.Context, config, input map[string]any, userID, executionID string) (<-chan types.StreamingUpdate, error) {
	if vr := b.core.ValidateConfiguration(config); !vr.Valid {
		return nil, types.NewError(types.ErrValidation, strings.Join(vr.Errors, "; "))
	}

	executionID = idOrNew(executionID)
	updates := make(chan types.StreamingUpdate, 64)

	go func() {
		defer close(updates)

		emit := func(kind types.UpdateKind, payload map[string]any) {
			u := types.NewUpdate(executionID, kind, payload)
			if kind == types.UpdateProgress || kind == types.UpdateAgentStatus {
				// 消费方滞后时丢弃进度更新；result/error 永不丢弃
				select {
				case updates <- u:
				default:
				}
				return
			}
			select {
			case updates <- u:
			case <-ctx.Done():
			}
		}

		emit(types.UpdateProgress, map[string]any{"phase": "started", "pattern": string(b.core.Type())})

		result := types.NewExecutionResult(executionID, string(b.core.Type()))
		runCtx, cancel := context.WithCancel(ctx)
		b.register(executionID, result, cancel)

		func() {
			defer cancel()
			defer b.finish(executionID)
			b.runCore(runCtx, config, input, userID, result, emit)
		}()

		snap := result.Snapshot()
		if snap.Status == types.StatusCompleted {
			emit(types.UpdateResult, map[string]any{"result": snap})
		} else {
			emit(types.UpdateError, map[string]any{"status": string(snap.Status), "error": snap.Error})
		}
	}()

	return updates, nil
}

// execute 同步路径的簿记包裹
func (b *BaseOrchestrator) execute(ctx context.Context, config, input map[string]any, userID, executionID string, emit func(types.UpdateKind, map[string]any)) (*types.ExecutionResult, error) {
	executionID = idOrNew(executionID)
	result := types.NewExecutionResult(executionID, string(b.core.Type()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.register(executionID, result, cancel)
	defer b.finish(executionID)

	err := b.runCore(runCtx, config, input, userID, result, emit)
	return result, err
}

// runCore 运行模式内核并做统一的结果分类：
// 超时与取消映射到对应终态，其余错误折叠为 failed
func (b *BaseOrchestrator) runCore(ctx context.Context, config, input map[string]any, userID string, result *types.ExecutionResult, emit func(types.UpdateKind, map[string]any)) error {
	executionID := result.ExecutionID
	pattern := string(b.core.Type())

	if b.metrics != nil {
		b.metrics.ExecutionStarted(pattern)
		defer b.metrics.ExecutionFinished(pattern)
	}

	// 执行级超时看门狗
	if timeout := cfgSeconds(config, "timeout_seconds", 0); timeout > 0 {
		cancel := b.cancelFunc(executionID)
		if cancel != nil {
			b.timeouts.Track(executionID, timeout, cancel)
			defer b.timeouts.Complete(executionID)
		}
	}

	if emit == nil {
		emit = func(types.UpdateKind, map[string]any) {}
	}

	ec := &execContext{
		config: config,
		input:  input,
		userID: userID,
		result: result,
		emit:   emit,
		policy: parseCallPolicy(config, b.logger, b.metrics, pattern),
	}

	b.logger.Info("execution started",
		zap.String("execution_id", executionID),
		zap.String("user_id", userID))
	start := time.Now()

	err := b.core.run(ctx, ec)

	switch {
	case err == nil:
		if !result.CurrentStatus().IsTerminal() {
			result.MarkCompleted()
		}
	case b.timedOut(executionID):
		result.MarkTimeout()
	case errors.Is(err, context.Canceled):
		result.MarkCancelled()
	case errors.Is(err, context.DeadlineExceeded):
		result.MarkTimeout()
	default:
		result.MarkFailed(err.Error())
	}

	snap := result.Snapshot()
	if b.metrics != nil {
		b.metrics.RecordExecution(pattern, string(snap.Status), time.Since(start))
	}
	b.logger.Info("execution finished",
		zap.String("execution_id", executionID),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", time.Since(start)))
	return err
}

func (b *BaseOrchestrator) timedOut(executionID string) bool {
	if b.timeouts == nil {
		return false
	}
	status, ok := b.timeouts.Status(executionID)
	return ok && status != resilience.TrackedRunning && status != resilience.TrackedCompleted
}

// invokeAgent 按弹性策略包装一次 Agent 调用
// 包装顺序：retry( breaker( timeout( invoker ) ) )；熔断拒绝不触发重试
func (b *BaseOrchestrator) invokeAgent(ctx context.Context, ec *execContext, agentID string, task map[string]any) (map[string]any, error) {
	call := func(ctx context.Context) (map[string]any, error) {
		callCtx := ctx
		if ec.policy.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, ec.policy.callTimeout)
			defer cancel()
		}

		start := time.Now()
		output, err := b.invoker.Invoke(callCtx, agentID, task)
		if b.metrics != nil {
			status := "success"
			if err != nil {
				status = "failure"
			}
			b.metrics.RecordAgentCall(agentID, status, time.Since(start))
		}
		return output, err
	}

	wrapped := func(ctx context.Context) (map[string]any, error) {
		if !ec.policy.useBreaker {
			return call(ctx)
		}
		cb := b.breakers.GetOrCreate(agentID)
		out, err := cb.Execute(ctx, func(ctx context.Context) (any, error) {
			return call(ctx)
		})
		if err != nil {
			if errors.Is(err, resilience.ErrOpen) && b.metrics != nil {
				b.metrics.RecordRejectedCall(agentID)
			}
			return nil, err
		}
		result, _ := out.(map[string]any)
		return result, nil
	}

	if ec.policy.retryer == nil {
		return wrapped(ctx)
	}

	out, err := ec.policy.retryer.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return wrapped(ctx)
	})
	if err != nil {
		return nil, err
	}
	result, _ := out.(map[string]any)
	return result, nil
}

// register 登记活跃执行
func (b *BaseOrchestrator) register(executionID string, result *types.ExecutionResult, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[executionID] = &activeExecution{result: result, cancel: cancel}
}

// finish 下线执行并归档快照
func (b *BaseOrchestrator) finish(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ae, ok := b.active[executionID]; ok {
		b.finished.Push(ae.result.Snapshot())
		delete(b.active, executionID)
	}
}

func (b *BaseOrchestrator) cancelFunc(executionID string) context.CancelFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ae, ok := b.active[executionID]; ok {
		return ae.cancel
	}
	return nil
}

// CancelExecution 协作式取消
func (b *BaseOrchestrator) CancelExecution(executionID string) bool {
	b.mu.RLock()
	ae, ok := b.active[executionID]
	b.mu.RUnlock()

	if !ok || ae.result.CurrentStatus().IsTerminal() {
		return false
	}

	ae.result.MarkCancelled()
	ae.cancel()
	b.logger.Info("execution cancelled", zap.String("execution_id", executionID))
	return true
}

// GetExecutionStatus 查询执行状态快照（含已归档执行）
func (b *BaseOrchestrator) GetExecutionStatus(executionID string) (types.ExecutionResult, bool) {
	b.mu.RLock()
	if ae, ok := b.active[executionID]; ok {
		b.mu.RUnlock()
		return ae.result.Snapshot(), true
	}
	b.mu.RUnlock()

	for _, snap := range b.finished.Snapshot() {
		if snap.ExecutionID == executionID {
			return snap, true
		}
	}
	return types.ExecutionResult{}, false
}

// ListActiveExecutions 列出所有活跃执行的快照
func (b *BaseOrchestrator) ListActiveExecutions() []types.ExecutionResult {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.ExecutionResult, 0, len(b.active))
	for _, ae := range b.active {
		out = append(out, ae.result.Snapshot())
	}
	return out
}
