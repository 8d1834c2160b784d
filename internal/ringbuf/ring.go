// Package ringbuf provides a fixed-capacity ring buffer.
// This package is internal and should not be imported by external projects.
package ringbuf

import "sync"

// Ring 固定容量环形缓冲区
// 引擎中所有历史记录（调用结果窗口、路由决策、投票轮次摘要等）
// 必须有界，统一使用本类型而不是手工裁剪的 slice。
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // 下一个写入位置
	count int
}

// New 创建容量为 capacity 的环形缓冲区；capacity <= 0 时按 1 处理
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push 追加一个元素，满时覆盖最旧元素
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len 当前元素数量
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap 容量
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Snapshot 按从旧到新的顺序返回元素拷贝
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Latest 返回最新元素；缓冲区为空时返回零值和 false
func (r *Ring[T]) Latest() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := r.head - 1
	if idx < 0 {
		idx += len(r.buf)
	}
	return r.buf[idx], true
}
