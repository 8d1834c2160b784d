package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 2)

	bus.Subscribe("task_done", func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	})

	// 未订阅类型不会被分发
	require.NoError(t, bus.Publish(context.Background(), NewEvent("ignored", "test", nil)))
	require.NoError(t, bus.Publish(context.Background(), NewEvent("task_done", "agent-1", map[string]any{"n": 1})))
	require.NoError(t, bus.Publish(context.Background(), NewEvent("task_done", "agent-2", map[string]any{"n": 2})))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 2)
	for _, e := range received {
		assert.Equal(t, "task_done", e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestInMemoryBusUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop())
	defer bus.Close()

	delivered := make(chan Event, 10)
	sub := bus.Subscribe("tick", func(e Event) { delivered <- e })
	bus.Unsubscribe(sub)

	require.NoError(t, bus.Publish(context.Background(), NewEvent("tick", "", nil)))

	select {
	case <-delivered:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBusClose(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close()) // 幂等

	// 缓冲区尚有空间也必须拒绝，不允许静默丢弃
	for i := 0; i < 50; i++ {
		err := bus.Publish(context.Background(), NewEvent("tick", "", nil))
		assert.Error(t, err)
	}
}

func TestInMemoryBusHandlerPanicIsolated(t *testing.T) {
	bus := NewInMemoryBus(zap.NewNop())
	defer bus.Close()

	done := make(chan struct{}, 1)
	bus.Subscribe("tick", func(e Event) { panic("handler bug") })
	bus.Subscribe("tick", func(e Event) { done <- struct{}{} })

	require.NoError(t, bus.Publish(context.Background(), NewEvent("tick", "", nil)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking handler blocked sibling delivery")
	}
}
