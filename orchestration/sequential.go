package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// SequentialOrchestrator 顺序编排
// 按优先级排序后逐个执行，前一个 Agent 的输出串联进下一个的输入；
// 任何失败立即中止整次执行（无部分成功）。
type SequentialOrchestrator struct {
	*BaseOrchestrator
}

func newSequential(deps Deps) *SequentialOrchestrator {
	s := &SequentialOrchestrator{}
	s.BaseOrchestrator = newBase(s, deps)
	return s
}

// Type 实现 Orchestrator.Type
func (s *SequentialOrchestrator) Type() PatternType { return PatternSequential }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (s *SequentialOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 1)

	if cycle := detectCycles(agents); cycle != nil {
		v.AddError(fmt.Sprintf("cyclic dependency detected: %s", strings.Join(cycle, " -> ")))
	}
	for _, edge := range unknownDependencies(agents) {
		v.AddWarning(fmt.Sprintf("dependency on unknown agent: %s", edge))
	}

	numericRange(v, config, "timeout_seconds", 0, 86400)
	return v
}

// run 实现 strategy.run
func (s *SequentialOrchestrator) run(ctx context.Context, ec *execContext) error {
	agents := agentsFromConfig(ec.config)
	ordered := orderByPriority(agents)

	previous := map[string]any{}
	for i, agent := range ordered {
		// 挂起点之间观察协作式取消
		if err := ctx.Err(); err != nil {
			return err
		}

		ec.emit(types.UpdateAgentStatus, map[string]any{
			"agent_id": agent.ID,
			"status":   "running",
			"step":     i + 1,
			"total":    len(ordered),
		})

		task := map[string]any{
			"input":    ec.input,
			"previous": previous,
			"step":     i,
		}
		if agent.Config != nil {
			task["agent_config"] = agent.Config
		}

		output, err := s.invokeAgent(ctx, ec, agent.ID, task)
		if err != nil {
			// 顺序模式：失败即中止，无部分成功
			s.logger.Warn("sequential step failed, aborting",
				zap.String("agent_id", agent.ID),
				zap.Int("step", i+1),
				zap.Error(err))
			return types.WorkerError(agent.ID, err)
		}

		ec.result.SetResult(agent.ID, output)
		previous = map[string]any{"agent_id": agent.ID, "output": output}

		ec.emit(types.UpdateProgress, map[string]any{
			"completed": i + 1,
			"total":     len(ordered),
			"agent_id":  agent.ID,
		})
	}

	ec.result.SetMetric("agents_executed", float64(len(ordered)))
	return nil
}

// orderByPriority 按优先级降序排序，同级按 id 保证稳定
func orderByPriority(agents []types.AgentSpec) []types.AgentSpec {
	ordered := make([]types.AgentSpec, len(agents))
	copy(ordered, agents)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
