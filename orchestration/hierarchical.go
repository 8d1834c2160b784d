package orchestration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// HierarchicalOrchestrator 层次化编排（manager / worker / critic）
// 流程：manager 产出任务分派 → worker 各自执行（失败隔离，同 parallel）
// → 可选 critic 评审聚合结果。后一阶段绝不早于前一阶段全部终结。
type HierarchicalOrchestrator struct {
	*BaseOrchestrator
}

func newHierarchical(deps Deps) *HierarchicalOrchestrator {
	h := &HierarchicalOrchestrator{}
	h.BaseOrchestrator = newBase(h, deps)
	return h
}

// Type 实现 Orchestrator.Type
func (h *HierarchicalOrchestrator) Type() PatternType { return PatternHierarchical }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (h *HierarchicalOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 3)

	managers, workers, critics := splitByRole(agents)
	if len(managers) < 1 {
		v.AddError("at least 1 manager agent required")
	}
	if len(managers) > 1 {
		v.AddWarning(fmt.Sprintf("%d managers declared, only the first is used", len(managers)))
	}
	if len(workers) < 2 {
		v.AddError(fmt.Sprintf("at least 2 non-manager agents required, got %d", len(workers)+len(critics)))
	}
	if len(critics) > 1 {
		v.AddWarning(fmt.Sprintf("%d critics declared, only the first is used", len(critics)))
	}

	numericRange(v, config, "timeout_seconds", 0, 86400)
	return v
}

func splitByRole(agents []types.AgentSpec) (managers, workers, critics []types.AgentSpec) {
	for _, a := range agents {
		switch a.Role {
		case types.RoleManager:
			managers = append(managers, a)
		case types.RoleCritic:
			critics = append(critics, a)
		default:
			workers = append(workers, a)
		}
	}
	return
}

// run 实现 strategy.run
func (h *HierarchicalOrchestrator) run(ctx context.Context, ec *execContext) error {
	agents := agentsFromConfig(ec.config)
	managers, workers, critics := splitByRole(agents)
	manager := managers[0]

	// 阶段一：manager 产出任务分派
	ec.emit(types.UpdateProgress, map[string]any{"phase": "planning", "manager": manager.ID})

	workerIDs := make([]string, 0, len(workers))
	for _, w := range workers {
		workerIDs = append(workerIDs, w.ID)
	}
	plan, err := h.invokeAgent(ctx, ec, manager.ID, map[string]any{
		"input":   ec.input,
		"role":    "manager",
		"workers": workerIDs,
	})
	if err != nil {
		// manager 失败没有可执行的分派，整次执行中止
		return types.WorkerError(manager.ID, err)
	}
	ec.result.SetResult(manager.ID, plan)

	assignments := assignmentsFromPlan(plan, workers)

	// 阶段二：worker 并发执行各自分派（失败隔离）
	ec.emit(types.UpdateProgress, map[string]any{"phase": "working", "workers": len(workers)})

	par := &ParallelOrchestrator{BaseOrchestrator: h.BaseOrchestrator}
	outcomes := par.fanOut(ctx, ec, workers, func(agent types.AgentSpec) map[string]any {
		return map[string]any{
			"input":      ec.input,
			"role":       "worker",
			"assignment": assignments[agent.ID],
		}
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	failures := collectOutcomes(ec.result, outcomes)
	ec.result.SetMetric("workers_total", float64(len(workers)))
	ec.result.SetMetric("workers_failed", float64(failures))

	// 阶段三：可选 critic 评审聚合结果
	if len(critics) > 0 {
		critic := critics[0]
		ec.emit(types.UpdateProgress, map[string]any{"phase": "review", "critic": critic.ID})

		aggregate := make(map[string]any, len(outcomes))
		for _, o := range outcomes {
			if o.Err == nil {
				aggregate[o.AgentID] = o.Output
			}
		}
		review, err := h.invokeAgent(ctx, ec, critic.ID, map[string]any{
			"input":   ec.input,
			"role":    "critic",
			"results": aggregate,
		})
		if err != nil {
			// critic 失败记录为独立失败条目，不推翻 worker 成果
			h.logger.Warn("critic review failed", zap.String("agent_id", critic.ID), zap.Error(err))
			ec.result.SetResult(critic.ID, map[string]any{"status": "failed", "error": err.Error()})
			failures++
		} else {
			ec.result.SetResult(critic.ID, review)
		}
	}

	if failures > 0 {
		ec.result.MarkFailed(fmt.Sprintf("%d participants failed", failures))
	}
	return nil
}

// assignmentsFromPlan 从 manager 输出提取 worker 分派
// 约定键 "assignments"：map[workerID]task；缺失时所有 worker 共享 manager 输出
func assignmentsFromPlan(plan map[string]any, workers []types.AgentSpec) map[string]any {
	assignments := make(map[string]any, len(workers))
	raw, ok := plan["assignments"].(map[string]any)
	for _, w := range workers {
		if ok {
			if task, exists := raw[w.ID]; exists {
				assignments[w.ID] = task
				continue
			}
		}
		assignments[w.ID] = plan
	}
	return assignments
}
