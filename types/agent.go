package types

import "context"

// AgentRole Agent 在编排中的角色
type AgentRole string

const (
	RoleWorker  AgentRole = "worker"
	RoleManager AgentRole = "manager"
	RoleCritic  AgentRole = "critic"
)

// AgentAvailability Agent 可用性状态
type AgentAvailability string

const (
	AgentAvailable   AgentAvailability = "available"
	AgentBusy        AgentAvailability = "busy"
	AgentOffline     AgentAvailability = "offline"
	AgentMaintenance AgentAvailability = "maintenance"
)

// AgentSpec 引擎侧的 Agent 描述
// 引擎不关心 Agent 的实现，只依赖此描述与 AgentInvoker 调用契约
type AgentSpec struct {
	ID           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	Role         AgentRole      `json:"role,omitempty"`
	Priority     int            `json:"priority,omitempty"`
	Weight       float64        `json:"weight,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	DependsOn    []string       `json:"depends_on,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// HasCapability 判断 Agent 是否声明了指定能力
func (a AgentSpec) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AgentInvoker 唯一的外呼调用契约
// 引擎对传输方式（本地调用 / RPC / HTTP）没有任何约定，完全由实现方决定。
// 取消通过 ctx 协作式传递，且只向下传播一层：实现方内部的并发不受引擎控制。
type AgentInvoker interface {
	// Invoke 调用指定 Agent 执行任务，返回结果或错误
	Invoke(ctx context.Context, agentID string, task map[string]any) (map[string]any, error)
}

// InvokerFunc 函数式 AgentInvoker
type InvokerFunc func(ctx context.Context, agentID string, task map[string]any) (map[string]any, error)

// Invoke 实现 AgentInvoker
func (f InvokerFunc) Invoke(ctx context.Context, agentID string, task map[string]any) (map[string]any, error) {
	return f(ctx, agentID, task)
}
