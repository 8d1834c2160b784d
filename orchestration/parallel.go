package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentorch/resilience"
	"github.com/BaSui01/agentorch/types"
)

// agentOutcome 扇出任务的单 Agent 结果
type agentOutcome struct {
	AgentID string
	Output  map[string]any
	Err     error
}

// ParallelOrchestrator 并行编排
// 所有 Agent 并发执行；单个失败被隔离为独立的失败条目，不取消兄弟任务。
// 任一 Agent 出错时整体状态为 failed，但成功输出全部保留。
type ParallelOrchestrator struct {
	*BaseOrchestrator
}

func newParallel(deps Deps) *ParallelOrchestrator {
	p := &ParallelOrchestrator{}
	p.BaseOrchestrator = newBase(p, deps)
	return p
}

// Type 实现 Orchestrator.Type
func (p *ParallelOrchestrator) Type() PatternType { return PatternParallel }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (p *ParallelOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 2)

	// 依赖在真并行下没有意义
	for _, a := range agents {
		if len(a.DependsOn) > 0 {
			v.AddWarning(fmt.Sprintf("agent %s declares dependencies, ignored under parallel execution", a.ID))
		}
	}

	numericRange(v, config, "max_concurrency", 1, 1024)
	numericRange(v, config, "timeout_seconds", 0, 86400)
	return v
}

// run 实现 strategy.run
func (p *ParallelOrchestrator) run(ctx context.Context, ec *execContext) error {
	agents := agentsFromConfig(ec.config)
	outcomes := p.fanOut(ctx, ec, agents, func(agent types.AgentSpec) map[string]any {
		task := map[string]any{"input": ec.input}
		if agent.Config != nil {
			task["agent_config"] = agent.Config
		}
		return task
	})

	if err := ctx.Err(); err != nil {
		return err
	}

	failures := collectOutcomes(ec.result, outcomes)
	ec.result.SetMetric("agents_total", float64(len(agents)))
	ec.result.SetMetric("agents_failed", float64(failures))

	if failures > 0 {
		ec.result.MarkFailed(fmt.Sprintf("%d of %d agents failed", failures, len(agents)))
	}
	return nil
}

// fanOut 并发扇出并等待全部完成；完成顺序不保证，聚合按 agent id 稳定
func (p *ParallelOrchestrator) fanOut(ctx context.Context, ec *execContext, agents []types.AgentSpec, taskFor func(types.AgentSpec) map[string]any) []agentOutcome {
	var sem *semaphore.Weighted
	if maxConc := cfgInt(ec.config, "max_concurrency", 0); maxConc > 0 {
		sem = semaphore.NewWeighted(int64(maxConc))
	}

	outcomes := make([]agentOutcome, len(agents))
	var wg sync.WaitGroup

	for i, agent := range agents {
		wg.Add(1)
		go func(idx int, agent types.AgentSpec) {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					outcomes[idx] = agentOutcome{AgentID: agent.ID, Err: err}
					return
				}
				defer sem.Release(1)
			}

			ec.emit(types.UpdateAgentStatus, map[string]any{
				"agent_id": agent.ID, "status": "running",
			})

			output, err := p.invokeAgent(ctx, ec, agent.ID, taskFor(agent))
			outcomes[idx] = agentOutcome{AgentID: agent.ID, Output: output, Err: err}

			status := "completed"
			if err != nil {
				status = "failed"
				p.logger.Warn("parallel agent failed, siblings unaffected",
					zap.String("agent_id", agent.ID), zap.Error(err))
			}
			ec.emit(types.UpdateAgentStatus, map[string]any{
				"agent_id": agent.ID, "status": status,
			})
		}(i, agent)
	}
	wg.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].AgentID < outcomes[j].AgentID })
	return outcomes
}

// collectOutcomes 聚合扇出结果：成功写输出，失败写独立的失败条目
func collectOutcomes(result *types.ExecutionResult, outcomes []agentOutcome) int {
	failures := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
			entry := map[string]any{
				"status": "failed",
				"error":  o.Err.Error(),
			}
			// 熔断拒绝单独归类，不算 worker 失败语义上的错误来源
			if errors.Is(o.Err, resilience.ErrOpen) {
				entry["rejected"] = true
			}
			result.SetResult(o.AgentID, entry)
			continue
		}
		result.SetResult(o.AgentID, o.Output)
	}
	return failures
}
