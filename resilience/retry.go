package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// BackoffStrategy 退避策略
type BackoffStrategy string

const (
	// BackoffFixed 固定延迟
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffExponential 指数退避：base · multiplier^attempt
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffLinear 线性退避：base · (attempt+1)
	BackoffLinear BackoffStrategy = "linear"
	// BackoffRandom 随机延迟：uniform(0, base]
	BackoffRandom BackoffStrategy = "random"
)

// RetryPolicy 重试策略配置
type RetryPolicy struct {
	MaxAttempts     int             `json:"max_attempts"`  // 总尝试次数（含首次）
	Strategy        BackoffStrategy `json:"strategy"`      //
	BaseDelay       time.Duration   `json:"base_delay"`    //
	MaxDelay        time.Duration   `json:"max_delay"`     // 延迟上限
	Multiplier      float64         `json:"multiplier"`    // 指数退避倍增因子
	Jitter          bool            `json:"jitter"`        // 是否添加 ±25% 随机抖动
	RetryableErrors []error         `json:"-"`             // 可重试错误集合（为空则重试所有错误）
	OnRetry         func(attempt int, err error, delay time.Duration) `json:"-"`
}

// DefaultRetryPolicy 返回默认重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		Strategy:    BackoffExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Retryer 重试器
type Retryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewRetryer 创建重试器
func NewRetryer(policy *RetryPolicy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// 参数校验
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if policy.Strategy == "" {
		policy.Strategy = BackoffExponential
	}

	return &Retryer{policy: policy, logger: logger}
}

// Do 执行函数，失败时根据策略重试
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 执行函数并返回结果，失败时根据策略重试
// 重试耗尽后返回最后一次的错误
func (r *Retryer) DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.Delay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !r.isRetryable(err) {
			r.logger.Debug("error not retryable", zap.Error(err))
			return nil, err
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr))
	return nil, lastErr
}

// Delay 计算第 attempt 次重试前的延迟（attempt 从 0 开始）
// fixed/exponential/linear 在关闭抖动时对 attempt 单调非减，且恒 ≤ MaxDelay
func (r *Retryer) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var delay float64
	base := float64(r.policy.BaseDelay)

	switch r.policy.Strategy {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * float64(attempt+1)
	case BackoffRandom:
		delay = rand.Float64() * base
	default: // exponential
		delay = base * math.Pow(r.policy.Multiplier, float64(attempt))
	}

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	// 有界随机抖动，防止多个客户端同时重试造成雪崩
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
		if delay > float64(r.policy.MaxDelay) {
			delay = float64(r.policy.MaxDelay)
		}
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

func (r *Retryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	// 熔断拒绝不重试：留给冷却期处理
	if errors.Is(err, ErrOpen) {
		return false
	}
	if len(r.policy.RetryableErrors) == 0 {
		return true
	}
	for _, retryable := range r.policy.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}
	return false
}
