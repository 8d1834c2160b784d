package orchestration

import (
	"time"

	"github.com/BaSui01/agentorch/types"
)

// PatternType 编排模式
type PatternType string

const (
	PatternSequential     PatternType = "sequential"
	PatternParallel       PatternType = "parallel"
	PatternHierarchical   PatternType = "hierarchical"
	PatternConsensus      PatternType = "consensus"
	PatternDynamicRouting PatternType = "dynamic_routing"
	PatternSwarm          PatternType = "swarm"
	PatternEventDriven    PatternType = "event_driven"
	PatternReflection     PatternType = "reflection"
)

// AllPatterns 按注册顺序列出所有模式
func AllPatterns() []PatternType {
	return []PatternType{
		PatternSequential, PatternParallel, PatternHierarchical,
		PatternConsensus, PatternDynamicRouting, PatternSwarm,
		PatternEventDriven, PatternReflection,
	}
}

// 配置取值辅助：配置是调用方传入的 map[string]any，数值可能以
// int / int64 / float64 / time.Duration 等形式出现，统一在此收敛。

func cfgFloat(config map[string]any, key string, def float64) float64 {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func cfgInt(config map[string]any, key string, def int) int {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func cfgString(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return def
}

func cfgBool(config map[string]any, key string, def bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}

// cfgSeconds 以秒为单位的时长配置；也接受 time.Duration 原值
func cfgSeconds(config map[string]any, key string, def time.Duration) time.Duration {
	v, ok := config[key]
	if !ok {
		return def
	}
	if d, ok := v.(time.Duration); ok {
		return d
	}
	secs := cfgFloat(config, key, -1)
	if secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func cfgMap(config map[string]any, key string) map[string]any {
	if v, ok := config[key].(map[string]any); ok {
		return v
	}
	return nil
}

func cfgStringSlice(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// agentsFromConfig 从 config["agents"] 解析 Agent 描述
// 同时接受 []types.AgentSpec 与 []map[string]any 两种形态
func agentsFromConfig(config map[string]any) []types.AgentSpec {
	raw, ok := config["agents"]
	if !ok {
		return nil
	}

	switch list := raw.(type) {
	case []types.AgentSpec:
		out := make([]types.AgentSpec, len(list))
		copy(out, list)
		return out
	case []any:
		out := make([]types.AgentSpec, 0, len(list))
		for _, e := range list {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, agentSpecFromMap(m))
		}
		return out
	case []map[string]any:
		out := make([]types.AgentSpec, 0, len(list))
		for _, m := range list {
			out = append(out, agentSpecFromMap(m))
		}
		return out
	}
	return nil
}

func agentSpecFromMap(m map[string]any) types.AgentSpec {
	spec := types.AgentSpec{
		ID:           cfgString(m, "id", ""),
		Name:         cfgString(m, "name", ""),
		Role:         types.AgentRole(cfgString(m, "role", "")),
		Priority:     cfgInt(m, "priority", 0),
		Weight:       cfgFloat(m, "weight", 0),
		Capabilities: cfgStringSlice(m, "capabilities"),
		DependsOn:    cfgStringSlice(m, "depends_on"),
	}
	if cfg := cfgMap(m, "config"); cfg != nil {
		spec.Config = cfg
	}
	return spec
}

// clamp01 将值钳制到 [0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
