package orchestration

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// recordingInvoker 记录调用顺序的测试替身，按 agent id 分派脚本行为
type recordingInvoker struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(task map[string]any) (map[string]any, error)
	fallback func(agentID string, task map[string]any) (map[string]any, error)
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{
		handlers: make(map[string]func(task map[string]any) (map[string]any, error)),
	}
}

func (r *recordingInvoker) on(agentID string, fn func(task map[string]any) (map[string]any, error)) *recordingInvoker {
	r.handlers[agentID] = fn
	return r
}

func (r *recordingInvoker) onAny(fn func(agentID string, task map[string]any) (map[string]any, error)) *recordingInvoker {
	r.fallback = fn
	return r
}

func (r *recordingInvoker) Invoke(_ context.Context, agentID string, task map[string]any) (map[string]any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, agentID)
	r.mu.Unlock()

	if fn, ok := r.handlers[agentID]; ok {
		return fn(task)
	}
	if r.fallback != nil {
		return r.fallback(agentID, task)
	}
	return map[string]any{"agent": agentID, "status": "ok"}, nil
}

func (r *recordingInvoker) callOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingInvoker) callCount(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == agentID {
			n++
		}
	}
	return n
}

func testDeps(inv types.AgentInvoker) Deps {
	return Deps{Invoker: inv, Logger: zap.NewNop()}
}

func agentList(specs ...types.AgentSpec) []any {
	out := make([]any, len(specs))
	for i, s := range specs {
		m := map[string]any{"id": s.ID}
		if s.Role != "" {
			m["role"] = string(s.Role)
		}
		if s.Priority != 0 {
			m["priority"] = s.Priority
		}
		if s.Weight != 0 {
			m["weight"] = s.Weight
		}
		if len(s.Capabilities) > 0 {
			m["capabilities"] = s.Capabilities
		}
		if len(s.DependsOn) > 0 {
			m["depends_on"] = s.DependsOn
		}
		if s.Config != nil {
			m["config"] = s.Config
		}
		out[i] = m
	}
	return out
}

func workerIDsOnly(ids ...string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = map[string]any{"id": id}
	}
	return out
}
