package config

import (
	"fmt"
	"time"
)

// Config 编排引擎的完整配置
type Config struct {
	// Engine 引擎级配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Resilience 弹性原语默认配置
	Resilience ResilienceConfig `yaml:"resilience" env:"RESILIENCE"`

	// Redis 事件总线后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// PresetsPath 编排模式预设文件路径（可选）
	PresetsPath string `yaml:"presets_path" env:"PRESETS_PATH"`
}

// EngineConfig 引擎级配置
type EngineConfig struct {
	// DefaultTimeout 执行级超时默认值，0 表示不设超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// MaxConcurrency 并行扇出的默认并发上限，0 表示不限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// StreamBuffer 流式更新通道缓冲
	StreamBuffer int `yaml:"stream_buffer" env:"STREAM_BUFFER"`
}

// ResilienceConfig 弹性原语默认配置
type ResilienceConfig struct {
	// Breaker 熔断器默认配置
	Breaker BreakerConfig `yaml:"circuit_breaker" env:"BREAKER"`
	// Retry 重试默认配置
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
}

// BreakerConfig 熔断器配置片段
type BreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" env:"FAILURE_RATE_THRESHOLD"`
	OpenTimeout          time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	HalfOpenSuccesses    int           `yaml:"half_open_successes" env:"HALF_OPEN_SUCCESSES"`
	WindowSize           int           `yaml:"window_size" env:"WINDOW_SIZE"`
}

// RetryConfig 重试配置片段
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Strategy    string        `yaml:"strategy" env:"STRATEGY"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier  float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter      bool          `yaml:"jitter" env:"JITTER"`
}

// RedisConfig Redis 事件总线配置
type RedisConfig struct {
	// Enabled 为 false 时使用进程内总线
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultTimeout: 5 * time.Minute,
			MaxConcurrency: 16,
			StreamBuffer:   64,
		},
		Resilience: ResilienceConfig{
			Breaker: BreakerConfig{
				FailureThreshold:     5,
				FailureRateThreshold: 0.5,
				OpenTimeout:          30 * time.Second,
				HalfOpenSuccesses:    2,
				WindowSize:           50,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				Strategy:    "exponential",
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
				Multiplier:  2.0,
				Jitter:      true,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "agentorch",
		},
	}
}

// Validate 配置合法性校验
func (c *Config) Validate() error {
	if c.Engine.DefaultTimeout < 0 {
		return fmt.Errorf("engine.default_timeout must not be negative")
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must not be negative")
	}

	b := c.Resilience.Breaker
	if b.FailureThreshold < 1 {
		return fmt.Errorf("resilience.circuit_breaker.failure_threshold must be >= 1")
	}
	if b.FailureRateThreshold < 0 || b.FailureRateThreshold > 1 {
		return fmt.Errorf("resilience.circuit_breaker.failure_rate_threshold must be in [0, 1]")
	}

	r := c.Resilience.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("resilience.retry.max_attempts must be >= 1")
	}
	switch r.Strategy {
	case "fixed", "exponential", "linear", "random":
	default:
		return fmt.Errorf("resilience.retry.strategy %q is not supported", r.Strategy)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not supported", c.Log.Format)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}
