package orchestration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/ringbuf"
	"github.com/BaSui01/agentorch/types"
)

// RoutingStrategy 路由选择策略
type RoutingStrategy string

const (
	RoutePerformance RoutingStrategy = "performance"
	RouteLoadBalance RoutingStrategy = "load_balancing"
	RouteCost        RoutingStrategy = "cost_optimization"
	RouteLatency     RoutingStrategy = "latency_optimization"
	// RouteAdaptive 自适应学习，当前回落到 performance（扩展点）
	RouteAdaptive RoutingStrategy = "adaptive_learning"
)

// 路由参数默认值；均可通过配置键覆盖
const (
	defaultLoadWeight      = 0.3
	defaultLatencyWeight   = 0.4
	defaultSuccessWeight   = 0.3
	defaultLatencyCeiling  = 10 * time.Second
	defaultOverloadLimit   = 0.8
	defaultHighPriority    = 8
	defaultEMAAlpha        = 0.3
	defaultSuccessNudge    = 0.1
	defaultOfflineWindow   = 5 * time.Minute
	routingHistoryCapacity = 256
)

// AgentPerformance 单 Agent 性能档案，按周期刷新
type AgentPerformance struct {
	AgentID         string                  `json:"agent_id"`
	Status          types.AgentAvailability `json:"status"`
	CurrentLoad     float64                 `json:"current_load"`
	AvgResponseTime time.Duration           `json:"avg_response_time"`
	SuccessRate     float64                 `json:"success_rate"`
	CostPerCall     float64                 `json:"cost_per_call"`
	Capabilities    []string                `json:"capabilities"`
	LastSeen        time.Time               `json:"last_seen"`
}

// scoreWeights 性能评分权重
type scoreWeights struct {
	load, latency, success float64
	latencyCeiling         time.Duration
}

// Score 派生性能评分：0.3·(1−load) + 0.4·延迟得分 + 0.3·成功率，钳制 [0,1]
// 离线 Agent 恒为 0
func (p *AgentPerformance) score(w scoreWeights) float64 {
	if p.Status == types.AgentOffline {
		return 0
	}
	latencyScore := 1.0
	if w.latencyCeiling > 0 {
		ratio := float64(p.AvgResponseTime) / float64(w.latencyCeiling)
		if ratio > 1 {
			ratio = 1
		}
		latencyScore = 1 - ratio
	}
	return clamp01(w.load*(1-p.CurrentLoad) + w.latency*latencyScore + w.success*p.SuccessRate)
}

// RoutingDecision 一次路由决策记录
type RoutingDecision struct {
	TaskID   string          `json:"task_id"`
	AgentID  string          `json:"agent_id"`
	Strategy RoutingStrategy `json:"strategy"`
	Score    float64         `json:"score"`
	Reason   string          `json:"reason"`
	At       time.Time       `json:"at"`
}

// DynamicRoutingOrchestrator 动态路由编排
// 按性能档案过滤候选、按策略选择 Agent，执行后以在线反馈更新档案。
type DynamicRoutingOrchestrator struct {
	*BaseOrchestrator

	perfMu  sync.RWMutex
	perf    map[string]*AgentPerformance
	history *ringbuf.Ring[RoutingDecision]

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
}

func newDynamicRouting(deps Deps) *DynamicRoutingOrchestrator {
	d := &DynamicRoutingOrchestrator{
		perf:    make(map[string]*AgentPerformance),
		history: ringbuf.New[RoutingDecision](routingHistoryCapacity),
	}
	d.BaseOrchestrator = newBase(d, deps)
	return d
}

// Type 实现 Orchestrator.Type
func (d *DynamicRoutingOrchestrator) Type() PatternType { return PatternDynamicRouting }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (d *DynamicRoutingOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 1)

	switch s := RoutingStrategy(cfgString(config, "strategy", string(RoutePerformance))); s {
	case RoutePerformance, RouteLoadBalance, RouteCost, RouteLatency, RouteAdaptive:
	default:
		v.AddError(fmt.Sprintf("unknown routing strategy: %q", s))
	}

	numericRange(v, config, "task_priority", 0, 10)
	numericRange(v, config, "max_latency_seconds", 0, 3600)
	numericRange(v, config, "min_success_rate", 0, 1)
	numericRange(v, config, "overload_threshold", 0, 1)
	return v
}

// run 实现 strategy.run：一次执行完成一次任务路由
func (d *DynamicRoutingOrchestrator) run(ctx context.Context, ec *execContext) error {
	d.seedAgents(agentsFromConfig(ec.config))

	strategy := RoutingStrategy(cfgString(ec.config, "strategy", string(RoutePerformance)))
	priority := cfgInt(ec.config, "task_priority", 5)
	taskID := ec.result.ExecutionID

	candidates := d.filterCandidates(ec.config, priority)
	if len(candidates) == 0 {
		return types.NewError(types.ErrValidation, "no eligible agent after filtering").WithRetryable(true)
	}

	weights := weightsFromConfig(ec.config)
	chosen, score, reason := selectAgent(strategy, candidates, weights, priority >= cfgInt(ec.config, "high_priority_threshold", defaultHighPriority))

	decision := RoutingDecision{
		TaskID:   taskID,
		AgentID:  chosen.AgentID,
		Strategy: strategy,
		Score:    score,
		Reason:   reason,
		At:       time.Now(),
	}
	d.history.Push(decision)

	ec.emit(types.UpdateAgentStatus, map[string]any{
		"agent_id": chosen.AgentID, "status": "selected", "score": score, "reason": reason,
	})
	d.logger.Info("task routed",
		zap.String("agent_id", chosen.AgentID),
		zap.String("strategy", string(strategy)),
		zap.Float64("score", score))

	d.adjustLoad(chosen.AgentID, +0.1)
	start := time.Now()
	output, err := d.invokeAgent(ctx, ec, chosen.AgentID, map[string]any{
		"input":    ec.input,
		"priority": priority,
	})
	d.adjustLoad(chosen.AgentID, -0.1)
	d.recordOutcome(ec.config, chosen.AgentID, err == nil, time.Since(start))

	ec.result.SetResult("decision", decision)
	if err != nil {
		ec.result.SetResult(chosen.AgentID, map[string]any{"status": "failed", "error": err.Error()})
		return types.WorkerError(chosen.AgentID, err)
	}
	ec.result.SetResult(chosen.AgentID, output)
	ec.result.SetMetric("routing_score", score)
	return nil
}

// seedAgents 用配置中的 Agent 描述补全性能档案（不存在时建档）
func (d *DynamicRoutingOrchestrator) seedAgents(agents []types.AgentSpec) {
	d.perfMu.Lock()
	defer d.perfMu.Unlock()

	for _, a := range agents {
		if _, ok := d.perf[a.ID]; ok {
			continue
		}
		p := &AgentPerformance{
			AgentID:      a.ID,
			Status:       types.AgentAvailable,
			SuccessRate:  1.0,
			Capabilities: a.Capabilities,
			LastSeen:     time.Now(),
		}
		if a.Config != nil {
			p.CurrentLoad = clamp01(cfgFloat(a.Config, "load", 0))
			p.CostPerCall = cfgFloat(a.Config, "cost_per_call", 0)
			p.AvgResponseTime = cfgSeconds(a.Config, "avg_response_time", 0)
			p.SuccessRate = clamp01(cfgFloat(a.Config, "success_rate", 1.0))
			if s := cfgString(a.Config, "status", ""); s != "" {
				p.Status = types.AgentAvailability(s)
			}
		}
		d.perf[a.ID] = p
	}
}

// filterCandidates 过滤不可用候选：
// 离线/维护中、缺少必需能力、超过延迟或低于成功率阈值、
// 以及（任务非高优先级时）过载的 Agent
func (d *DynamicRoutingOrchestrator) filterCandidates(config map[string]any, priority int) []AgentPerformance {
	required := cfgStringSlice(config, "required_capabilities")
	maxLatency := cfgSeconds(config, "max_latency_seconds", 0)
	minSuccess := cfgFloat(config, "min_success_rate", 0)
	overload := cfgFloat(config, "overload_threshold", defaultOverloadLimit)
	highPriority := priority >= cfgInt(config, "high_priority_threshold", defaultHighPriority)

	d.perfMu.RLock()
	defer d.perfMu.RUnlock()

	var out []AgentPerformance
	for _, p := range d.perf {
		if p.Status == types.AgentOffline || p.Status == types.AgentMaintenance {
			continue
		}
		if !hasAllCapabilities(p.Capabilities, required) {
			continue
		}
		if maxLatency > 0 && p.AvgResponseTime > maxLatency {
			continue
		}
		if minSuccess > 0 && p.SuccessRate < minSuccess {
			continue
		}
		if !highPriority && p.CurrentLoad >= overload {
			continue
		}
		out = append(out, *p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func hasAllCapabilities(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func weightsFromConfig(config map[string]any) scoreWeights {
	return scoreWeights{
		load:           cfgFloat(config, "load_weight", defaultLoadWeight),
		latency:        cfgFloat(config, "latency_weight", defaultLatencyWeight),
		success:        cfgFloat(config, "success_weight", defaultSuccessWeight),
		latencyCeiling: cfgSeconds(config, "latency_ceiling", defaultLatencyCeiling),
	}
}

// selectAgent 按策略从候选中选择
func selectAgent(strategy RoutingStrategy, candidates []AgentPerformance, w scoreWeights, highPriority bool) (AgentPerformance, float64, string) {
	best := candidates[0]
	bestKey := selectionKey(strategy, &best, w, highPriority)
	for _, c := range candidates[1:] {
		key := selectionKey(strategy, &c, w, highPriority)
		if key > bestKey {
			best, bestKey = c, key
		}
	}

	score := best.score(w)
	reason := fmt.Sprintf("strategy=%s key=%.4f score=%.4f load=%.2f", strategy, bestKey, score, best.CurrentLoad)
	return best, score, reason
}

// selectionKey 统一为"越大越好"的选择键
func selectionKey(strategy RoutingStrategy, p *AgentPerformance, w scoreWeights, highPriority bool) float64 {
	switch strategy {
	case RouteLoadBalance:
		return 1 - p.CurrentLoad
	case RouteCost:
		score := p.score(w)
		if score <= 0 {
			return -1
		}
		cost := p.CostPerCall
		if cost <= 0 {
			cost = 1e-6
		}
		// 成本/性能比最低者胜
		return -cost / score
	case RouteLatency:
		return -float64(p.AvgResponseTime)
	default:
		// performance 与 adaptive_learning（回落）
		score := p.score(w)
		if highPriority {
			// 高优先级任务偏向高可靠候选
			score += 0.2 * p.SuccessRate
		}
		return score
	}
}

// adjustLoad 调度期负载增减，钳制 [0,1]
func (d *DynamicRoutingOrchestrator) adjustLoad(agentID string, delta float64) {
	d.perfMu.Lock()
	defer d.perfMu.Unlock()
	if p, ok := d.perf[agentID]; ok {
		p.CurrentLoad = clamp01(p.CurrentLoad + delta)
	}
}

// recordOutcome 执行后在线反馈：延迟的指数移动平均 + 成功率的有界乘法微调
func (d *DynamicRoutingOrchestrator) recordOutcome(config map[string]any, agentID string, success bool, latency time.Duration) {
	alpha := cfgFloat(config, "ema_alpha", defaultEMAAlpha)
	nudge := cfgFloat(config, "success_nudge", defaultSuccessNudge)

	d.perfMu.Lock()
	defer d.perfMu.Unlock()

	p, ok := d.perf[agentID]
	if !ok {
		return
	}

	if p.AvgResponseTime == 0 {
		p.AvgResponseTime = latency
	} else {
		p.AvgResponseTime = time.Duration(alpha*float64(latency) + (1-alpha)*float64(p.AvgResponseTime))
	}

	if success {
		p.SuccessRate = clamp01(p.SuccessRate * (1 + nudge))
		if p.SuccessRate < 0.01 {
			p.SuccessRate = 0.01
		}
	} else {
		p.SuccessRate = clamp01(p.SuccessRate * (1 - nudge))
	}
	p.LastSeen = time.Now()
}

// MarkAgentSeen 心跳：刷新档案的 LastSeen 并恢复可用状态
func (d *DynamicRoutingOrchestrator) MarkAgentSeen(agentID string) {
	d.perfMu.Lock()
	defer d.perfMu.Unlock()
	if p, ok := d.perf[agentID]; ok {
		p.LastSeen = time.Now()
		if p.Status == types.AgentOffline {
			p.Status = types.AgentAvailable
		}
	}
}

// AgentSnapshot 性能档案快照
func (d *DynamicRoutingOrchestrator) AgentSnapshot(agentID string) (AgentPerformance, bool) {
	d.perfMu.RLock()
	defer d.perfMu.RUnlock()
	if p, ok := d.perf[agentID]; ok {
		return *p, true
	}
	return AgentPerformance{}, false
}

// RoutingHistory 有界决策历史快照（从旧到新）
func (d *DynamicRoutingOrchestrator) RoutingHistory() []RoutingDecision {
	return d.history.Snapshot()
}

// StartSweep 启动后台扫描：超过窗口未见的 Agent 标记为离线
// 生命周期与引擎实例绑定，由 StopSweep 显式停止
func (d *DynamicRoutingOrchestrator) StartSweep(interval, offlineWindow time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if offlineWindow <= 0 {
		offlineWindow = defaultOfflineWindow
	}

	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.sweepCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.sweepCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweepOffline(offlineWindow)
			}
		}
	}()
}

// StopSweep 停止后台扫描
func (d *DynamicRoutingOrchestrator) StopSweep() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.sweepCancel != nil {
		d.sweepCancel()
		d.sweepCancel = nil
	}
}

func (d *DynamicRoutingOrchestrator) sweepOffline(window time.Duration) {
	cutoff := time.Now().Add(-window)

	d.perfMu.Lock()
	defer d.perfMu.Unlock()
	for _, p := range d.perf {
		if p.Status != types.AgentOffline && p.LastSeen.Before(cutoff) {
			p.Status = types.AgentOffline
			d.logger.Info("agent marked offline by sweep",
				zap.String("agent_id", p.AgentID),
				zap.Time("last_seen", p.LastSeen))
		}
	}
}
