package orchestration

import (
	"fmt"

	"github.com/BaSui01/agentorch/types"
)

// 共享校验辅助：全部为纯函数，组合进各模式的 ValidateConfiguration。
// 校验绝不修改任何状态，同一配置重复校验产出完全一致的结果。

// requireKeys 校验必填键
func requireKeys(v *types.ValidationResult, config map[string]any, keys ...string) {
	for _, key := range keys {
		if _, ok := config[key]; !ok {
			v.AddError(fmt.Sprintf("missing required config key: %s", key))
		}
	}
}

// numericRange 校验数值范围（键存在时）
func numericRange(v *types.ValidationResult, config map[string]any, key string, min, max float64) {
	raw, ok := config[key]
	if !ok {
		return
	}
	val := cfgFloat(config, key, min-1)
	if _, isStr := raw.(string); isStr || val < min || val > max {
		v.AddError(fmt.Sprintf("config key %s must be a number in [%v, %v]", key, min, max))
	}
}

// agentListMin 校验 Agent 列表长度并检查 id 唯一性
func agentListMin(v *types.ValidationResult, agents []types.AgentSpec, min int) {
	if len(agents) < min {
		v.AddError(fmt.Sprintf("at least %d agents required, got %d", min, len(agents)))
		return
	}
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a.ID == "" {
			v.AddError("agent with empty id")
			continue
		}
		if seen[a.ID] {
			v.AddError(fmt.Sprintf("duplicate agent id: %s", a.ID))
		}
		seen[a.ID] = true
	}
}

// detectCycles 对 depends_on 边做 DFS 环检测，返回发现的环路径
func detectCycles(agents []types.AgentSpec) []string {
	graph := make(map[string][]string, len(agents))
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		graph[a.ID] = a.DependsOn
		known[a.ID] = true
	}

	const (
		white = 0 // 未访问
		gray  = 1 // 访问中
		black = 2 // 已完成
	)
	color := make(map[string]int, len(agents))
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)

		for _, dep := range graph[id] {
			if !known[dep] {
				continue // 未知依赖由调用方单独告警
			}
			switch color[dep] {
			case gray:
				// 找到环：截取从 dep 开始的路径
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
				cycle = append(append([]string{}, path...), dep)
				return true
			case white:
				if visit(dep, path) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, a := range agents {
		if color[a.ID] == white {
			if visit(a.ID, nil) {
				return cycle
			}
		}
	}
	return nil
}

// unknownDependencies 列出指向不存在 Agent 的依赖
func unknownDependencies(agents []types.AgentSpec) []string {
	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.ID] = true
	}
	var unknown []string
	for _, a := range agents {
		for _, dep := range a.DependsOn {
			if !known[dep] {
				unknown = append(unknown, fmt.Sprintf("%s -> %s", a.ID, dep))
			}
		}
	}
	return unknown
}
