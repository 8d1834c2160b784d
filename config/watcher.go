package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PresetWatcher 轮询监听预设文件并在变更时重载
// 回调在监听 goroutine 内串行执行，不保证与读取方的可见性顺序，
// 读取方应通过 Current 获取最新快照。
type PresetWatcher struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	current  map[string]PatternPreset
	lastMod  time.Time
	onReload []func(map[string]PatternPreset)

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewPresetWatcher 创建监听器并立即加载一次
func NewPresetWatcher(path string, interval time.Duration, logger *zap.Logger) (*PresetWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	presets, err := LoadPresets(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	return &PresetWatcher{
		path:     path,
		interval: interval,
		logger:   logger.With(zap.String("component", "preset_watcher")),
		current:  presets,
		lastMod:  info.ModTime(),
	}, nil
}

// Current 当前预设快照
func (w *PresetWatcher) Current() map[string]PatternPreset {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]PatternPreset, len(w.current))
	for k, v := range w.current {
		out[k] = v
	}
	return out
}

// Get 按名取预设
func (w *PresetWatcher) Get(name string) (PatternPreset, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.current[name]
	return p, ok
}

// OnReload 注册重载回调；须在 Start 之前调用
func (w *PresetWatcher) OnReload(fn func(map[string]PatternPreset)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Start 启动轮询；重复调用为空操作
func (w *PresetWatcher) Start() {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.poll(ctx)
}

// Stop 停止轮询
func (w *PresetWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Unlock()
	})
}

func (w *PresetWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

// checkOnce 单次检查：修改时间变化才重载；解析失败时保留旧预设
func (w *PresetWatcher) checkOnce() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("presets file stat failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.RLock()
	unchanged := !info.ModTime().After(w.lastMod)
	w.mu.RUnlock()
	if unchanged {
		return
	}

	presets, err := LoadPresets(w.path)
	if err != nil {
		w.logger.Error("presets reload failed, keeping previous",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = presets
	w.lastMod = info.ModTime()
	callbacks := make([]func(map[string]PatternPreset), len(w.onReload))
	copy(callbacks, w.onReload)
	w.mu.Unlock()

	w.logger.Info("presets reloaded",
		zap.String("path", w.path), zap.Int("count", len(presets)))
	for _, fn := range callbacks {
		fn(presets)
	}
}
