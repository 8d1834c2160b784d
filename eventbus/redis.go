package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBusConfig Redis 事件总线配置
type RedisBusConfig struct {
	Addr       string `json:"addr"`
	Password   string `json:"password,omitempty"`
	DB         int    `json:"db"`
	ChannelKey string `json:"channel_key"` // 频道前缀，默认 "agentorch:events:"
}

// RedisBus 基于 Redis Pub/Sub 的事件总线适配器
// 每种事件类型对应一个 Redis 频道，事件以 JSON 编码传输
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu        sync.Mutex
	handlers  map[string]map[string]Handler // eventType -> subID -> handler
	listeners map[string]*redisListener     // eventType -> listener
	closed    bool
}

// redisListener 单个事件类型的订阅循环
type redisListener struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus 创建 Redis 事件总线并验证连接
func NewRedisBus(config RedisBusConfig, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.ChannelKey
	if prefix == "" {
		prefix = "agentorch:events:"
	}

	return &RedisBus{
		client:    client,
		prefix:    prefix,
		logger:    logger.With(zap.String("component", "redis_eventbus")),
		handlers:  make(map[string]map[string]Handler),
		listeners: make(map[string]*redisListener),
	}, nil
}

func (b *RedisBus) channel(eventType string) string {
	return b.prefix + eventType
}

// Publish 实现 Bus.Publish
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, b.channel(event.Type), data).Err()
}

// Subscribe 实现 Bus.Subscribe
// 同一事件类型的首个订阅会启动该频道的监听循环
func (b *RedisBus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ""
	}

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler

	if _, ok := b.listeners[eventType]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pubsub := b.client.Subscribe(ctx, b.channel(eventType))
		b.listeners[eventType] = &redisListener{pubsub: pubsub, cancel: cancel}
		go b.listen(ctx, eventType, pubsub)
	}

	return id
}

// listen 单频道监听循环
func (b *RedisBus) listen(ctx context.Context, eventType string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("failed to decode event",
					zap.String("event_type", eventType), zap.Error(err))
				continue
			}

			b.mu.Lock()
			src := b.handlers[eventType]
			handlers := make([]Handler, 0, len(src))
			for _, h := range src {
				handlers = append(handlers, h)
			}
			b.mu.Unlock()

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
		}
	}
}

// Unsubscribe 实现 Bus.Unsubscribe
// 某事件类型的最后一个订阅取消时停止其监听循环
func (b *RedisBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; !ok {
			continue
		}
		delete(handlers, subscriptionID)
		if len(handlers) == 0 {
			delete(b.handlers, eventType)
			if l, ok := b.listeners[eventType]; ok {
				l.cancel()
				_ = l.pubsub.Close()
				delete(b.listeners, eventType)
			}
		}
		return
	}
}

// Close 实现 Bus.Close
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for eventType, l := range b.listeners {
		l.cancel()
		_ = l.pubsub.Close()
		delete(b.listeners, eventType)
	}
	b.handlers = make(map[string]map[string]Handler)
	return b.client.Close()
}
