package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event 一条事件
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent 创建带 id 与时间戳的事件
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler 事件处理器
type Handler func(Event)

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter int64

// Bus 事件总线接口
type Bus interface {
	// Publish 发布事件
	Publish(ctx context.Context, event Event) error
	// Subscribe 按事件类型订阅，返回订阅 ID
	Subscribe(eventType string, handler Handler) string
	// Unsubscribe 取消订阅
	Unsubscribe(subscriptionID string)
	// Close 停止总线
	Close() error
}

// InMemoryBus 进程内事件总线
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewInMemoryBus 创建进程内事件总线
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &InMemoryBus{
		handlers: make(map[string]map[string]Handler),
		events:   make(chan Event, 100),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "eventbus")),
	}
	go bus.dispatch()
	return bus
}

// Publish 实现 Bus.Publish
func (b *InMemoryBus) Publish(ctx context.Context, event Event) error {
	// 关闭后缓冲通道仍可写，先检查 done 避免事件被静默丢弃
	select {
	case <-b.done:
		return fmt.Errorf("event bus closed")
	default:
	}
	select {
	case b.events <- event:
		return nil
	case <-b.done:
		return fmt.Errorf("event bus closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 实现 Bus.Subscribe
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe 实现 Bus.Unsubscribe
func (b *InMemoryBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// dispatch 事件分发循环
func (b *InMemoryBus) dispatch() {
	for {
		select {
		case event := <-b.events:
			b.mu.RLock()
			src := b.handlers[event.Type]
			handlers := make([]Handler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.RUnlock()

			for _, handler := range handlers {
				h := handler
				go func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error("event handler panicked", zap.Any("recover", r))
						}
					}()
					h(event)
				}()
			}
		case <-b.done:
			return
		}
	}
}

// Close 实现 Bus.Close
func (b *InMemoryBus) Close() error {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	return nil
}
