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

// PerformanceTrend 性能趋势分类
type PerformanceTrend string

const (
	TrendImproving PerformanceTrend = "improving"
	TrendStable    PerformanceTrend = "stable"
	TrendDeclining PerformanceTrend = "declining"
)

// 反思模式默认参数
const (
	trendSlopeBand         = 0.05 // 斜率在 ±band 内视为 stable
	scoreHistoryCapacity   = 32
	collectiveDamping      = 0.5 // 集体洞察对个体斜率的阻尼
	defaultLearningRate    = 0.1
	defaultAdaptThreshold  = 0.5
	learningRateFloor      = 0.001
	learningRateCeil       = 1.0
	adaptThresholdFloor    = 0.05
	adaptThresholdCeil     = 0.95
	parameterNudgeFactor   = 0.1 // 单次调整的相对幅度上限
	defaultReflectInterval = 5 * time.Minute
)

// ReflectionInsight 单 Agent 的反思洞察
type ReflectionInsight struct {
	AgentID    string           `json:"agent_id"`
	Capability string           `json:"capability"`
	Trend      PerformanceTrend `json:"trend"`
	Slope      float64          `json:"slope"`
	MeanScore  float64          `json:"mean_score"`
	Samples    int              `json:"samples"`
	Summary    string           `json:"summary"`
	At         time.Time        `json:"at"`
}

// ImprovementPlan 针对下滑 Agent 的改进计划
// Adjustments 在生成时立即生效，随后的调用任务携带调整后的参数。
type ImprovementPlan struct {
	AgentID     string             `json:"agent_id"`
	Adjustments map[string]float64 `json:"adjustments"`
	Rationale   string             `json:"rationale"`
	At          time.Time          `json:"at"`
}

// agentReflection Agent 的跨执行反思档案
type agentReflection struct {
	scores *ringbuf.Ring[float64]
	params map[string]float64
}

// ReflectionOrchestrator 反思编排
// 按能力分组执行自评阶段，基于历史评分做最小二乘趋势分析，
// 对下滑 Agent 生成并立即应用有界参数调整。
type ReflectionOrchestrator struct {
	*BaseOrchestrator

	profMu   sync.RWMutex
	profiles map[string]*agentReflection

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
}

func newReflection(deps Deps) *ReflectionOrchestrator {
	r := &ReflectionOrchestrator{profiles: make(map[string]*agentReflection)}
	r.BaseOrchestrator = newBase(r, deps)
	return r
}

// Type 实现 Orchestrator.Type
func (r *ReflectionOrchestrator) Type() PatternType { return PatternReflection }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (r *ReflectionOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 1)

	for _, a := range agents {
		if len(a.Capabilities) == 0 {
			v.AddWarning(fmt.Sprintf("agent %s declares no capabilities; grouped under %q", a.ID, generalCapability))
		}
	}
	numericRange(v, config, "reflect_interval_seconds", 0, 86400)
	return v
}

const generalCapability = "general"

// run 实现 strategy.run：一轮完整的反思周期
func (r *ReflectionOrchestrator) run(ctx context.Context, ec *execContext) error {
	agents := agentsFromConfig(ec.config)
	phases := groupByCapability(agents)

	var (
		insights []ReflectionInsight
		plans    []ImprovementPlan
		stats    []phaseStat
		failures int
	)

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		ec.emit(types.UpdateProgress, map[string]any{
			"phase": "reflection", "capability": phase.capability, "agents": len(phase.agents),
		})

		st := phaseStat{capability: phase.capability}
		phaseStart := time.Now()
		for _, agent := range phase.agents {
			score, err := r.assess(ctx, ec, agent, phase.capability)
			if err != nil {
				failures++
				st.failed++
				r.logger.Warn("self-assessment failed",
					zap.String("agent_id", agent.ID), zap.Error(err))
				continue
			}

			insight := r.analyze(agent.ID, phase.capability, score)
			insights = append(insights, insight)
			st.assessed++
			st.slopeSum += insight.Slope

			if insight.Trend == TrendDeclining {
				plan := r.improve(agent.ID, insight)
				plans = append(plans, plan)
				ec.emit(types.UpdateAgentStatus, map[string]any{
					"agent_id": agent.ID, "status": "improvement_plan", "adjustments": plan.Adjustments,
				})
			}
		}
		st.elapsed = time.Since(phaseStart)
		stats = append(stats, st)
	}

	if len(insights) == 0 {
		return types.NewError(types.ErrWorker,
			fmt.Sprintf("reflection produced no insights (%d assessment failures)", failures))
	}

	collective := collectiveInsight(insights, stats)
	dampedSlope := collective["slope"].(float64)
	r.shareCollective(agents, dampedSlope)

	ec.result.SetResult("insights", insights)
	ec.result.SetResult("improvement_plans", plans)
	ec.result.SetResult("collective", collective)
	ec.result.SetMetric("assessed_agents", float64(len(insights)))
	ec.result.SetMetric("assessment_failures", float64(failures))
	ec.result.SetMetric("collective_slope", dampedSlope)
	ec.result.SetMetric("collective_success_rate", collective["success_rate"].(float64))
	return nil
}

// phaseStat 单个能力阶段的执行汇总
type phaseStat struct {
	capability string
	assessed   int
	failed     int
	slopeSum   float64
	elapsed    time.Duration
}

// capabilityPhase 一个能力分组对应一个反思阶段
type capabilityPhase struct {
	capability string
	agents     []types.AgentSpec
}

// groupByCapability 按首个声明能力分组；未声明能力的归入 general
// 分组按能力名排序，保证阶段顺序稳定
func groupByCapability(agents []types.AgentSpec) []capabilityPhase {
	groups := make(map[string][]types.AgentSpec)
	for _, a := range agents {
		cap := generalCapability
		if len(a.Capabilities) > 0 {
			cap = a.Capabilities[0]
		}
		groups[cap] = append(groups[cap], a)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	phases := make([]capabilityPhase, 0, len(names))
	for _, name := range names {
		phases = append(phases, capabilityPhase{capability: name, agents: groups[name]})
	}
	return phases
}

// assess 调用 Agent 做自评，返回 [0,1] 评分并记入历史
func (r *ReflectionOrchestrator) assess(ctx context.Context, ec *execContext, agent types.AgentSpec, capability string) (float64, error) {
	profile := r.profile(agent.ID)

	r.profMu.RLock()
	params := make(map[string]float64, len(profile.params))
	for k, v := range profile.params {
		params[k] = v
	}
	r.profMu.RUnlock()

	output, err := r.invokeAgent(ctx, ec, agent.ID, map[string]any{
		"input":      ec.input,
		"phase":      "self_assessment",
		"capability": capability,
		"parameters": params,
	})
	if err != nil {
		return 0, err
	}

	score := clamp01(cfgFloat(output, "score", cfgFloat(output, "quality", 0.5)))

	r.profMu.Lock()
	profile.scores.Push(score)
	r.profMu.Unlock()
	return score, nil
}

// analyze 基于历史评分做趋势分析
func (r *ReflectionOrchestrator) analyze(agentID, capability string, latest float64) ReflectionInsight {
	r.profMu.RLock()
	history := r.profiles[agentID].scores.Snapshot()
	r.profMu.RUnlock()

	slope := leastSquaresSlope(history)
	trend := classifyTrend(slope)

	var sum float64
	for _, s := range history {
		sum += s
	}
	mean := sum / float64(len(history))

	return ReflectionInsight{
		AgentID:    agentID,
		Capability: capability,
		Trend:      trend,
		Slope:      slope,
		MeanScore:  mean,
		Samples:    len(history),
		Summary: fmt.Sprintf("agent %s is %s in %s (slope %.3f, mean %.2f, latest %.2f)",
			agentID, trend, capability, slope, mean, latest),
		At: time.Now(),
	}
}

// improve 生成并立即应用有界参数调整：
// 提升学习率、降低适应阈值，单次相对幅度不超过 parameterNudgeFactor
func (r *ReflectionOrchestrator) improve(agentID string, insight ReflectionInsight) ImprovementPlan {
	r.profMu.Lock()
	defer r.profMu.Unlock()

	params := r.profiles[agentID].params
	adjustments := make(map[string]float64, 2)

	lr := params["learning_rate"] * (1 + parameterNudgeFactor)
	lr = boundTo(lr, learningRateFloor, learningRateCeil)
	adjustments["learning_rate"] = lr - params["learning_rate"]
	params["learning_rate"] = lr

	th := params["adaptation_threshold"] * (1 - parameterNudgeFactor)
	th = boundTo(th, adaptThresholdFloor, adaptThresholdCeil)
	adjustments["adaptation_threshold"] = th - params["adaptation_threshold"]
	params["adaptation_threshold"] = th

	return ImprovementPlan{
		AgentID:     agentID,
		Adjustments: adjustments,
		Rationale: fmt.Sprintf("declining trend in %s (slope %.3f); raising learning rate, lowering adaptation threshold",
			insight.Capability, insight.Slope),
		At: time.Now(),
	}
}

// collectiveInsight 阶段级成功率与耗时聚合为集体洞察：
// 各阶段的平均斜率按该阶段成功率加权，再乘以阻尼系数避免过度反应
func collectiveInsight(insights []ReflectionInsight, stats []phaseStat) map[string]any {
	var meanSum float64
	for _, in := range insights {
		meanSum += in.MeanScore
	}

	var (
		weightedSlope, weightSum, durationSum float64
		assessed, failed                      int
	)
	perPhase := make(map[string]any, len(stats))
	for _, st := range stats {
		total := st.assessed + st.failed
		rate := 0.0
		if total > 0 {
			rate = float64(st.assessed) / float64(total)
		}
		if st.assessed > 0 {
			weightedSlope += (st.slopeSum / float64(st.assessed)) * rate
			weightSum += rate
		}
		assessed += st.assessed
		failed += st.failed
		durationSum += st.elapsed.Seconds()
		perPhase[st.capability] = map[string]any{
			"success_rate":     rate,
			"duration_seconds": st.elapsed.Seconds(),
			"assessed":         st.assessed,
			"failed":           st.failed,
		}
	}

	dampedSlope := 0.0
	if weightSum > 0 {
		dampedSlope = (weightedSlope / weightSum) * collectiveDamping
	}
	overallRate := 0.0
	if assessed+failed > 0 {
		overallRate = float64(assessed) / float64(assessed+failed)
	}

	return map[string]any{
		"slope":            dampedSlope,
		"trend":            string(classifyTrend(dampedSlope)),
		"mean_score":       meanSum / float64(len(insights)),
		"success_rate":     overallRate,
		"duration_seconds": durationSum,
		"phases":           perPhase,
		"agents":           len(insights),
	}
}

// shareCollective 将阻尼后的集体斜率回灌到每个参与 Agent 的档案：
// 后续调用任务携带 collective_trend；集体下滑时以个体调整一半的幅度
// 上调所有 Agent 的学习率
func (r *ReflectionOrchestrator) shareCollective(agents []types.AgentSpec, dampedSlope float64) {
	r.profMu.Lock()
	defer r.profMu.Unlock()
	for _, a := range agents {
		p, ok := r.profiles[a.ID]
		if !ok {
			continue
		}
		p.params["collective_trend"] = dampedSlope
		if dampedSlope < -trendSlopeBand {
			lr := p.params["learning_rate"] * (1 + parameterNudgeFactor/2)
			p.params["learning_rate"] = boundTo(lr, learningRateFloor, learningRateCeil)
		}
	}
}

// leastSquaresSlope 评分序列的最小二乘回归斜率；样本不足 2 时为 0
func leastSquaresSlope(scores []float64) float64 {
	n := len(scores)
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range scores {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

func classifyTrend(slope float64) PerformanceTrend {
	switch {
	case slope > trendSlopeBand:
		return TrendImproving
	case slope < -trendSlopeBand:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func boundTo(v, floor, ceil float64) float64 {
	if v < floor {
		return floor
	}
	if v > ceil {
		return ceil
	}
	return v
}

// profile 取得（或建立）Agent 的反思档案
func (r *ReflectionOrchestrator) profile(agentID string) *agentReflection {
	r.profMu.RLock()
	p, ok := r.profiles[agentID]
	r.profMu.RUnlock()
	if ok {
		return p
	}

	r.profMu.Lock()
	defer r.profMu.Unlock()
	if p, ok = r.profiles[agentID]; ok {
		return p
	}
	p = &agentReflection{
		scores: ringbuf.New[float64](scoreHistoryCapacity),
		params: map[string]float64{
			"learning_rate":        defaultLearningRate,
			"adaptation_threshold": defaultAdaptThreshold,
		},
	}
	r.profiles[agentID] = p
	return p
}

// AgentParameters 当前生效的 Agent 参数快照
func (r *ReflectionOrchestrator) AgentParameters(agentID string) (map[string]float64, bool) {
	r.profMu.RLock()
	defer r.profMu.RUnlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(p.params))
	for k, v := range p.params {
		out[k] = v
	}
	return out, true
}

// StartLoop 启动后台周期反思：按配置的间隔重复执行反思周期
// 再次调用为空操作；由 StopLoop 停止
func (r *ReflectionOrchestrator) StartLoop(config, input map[string]any, userID string) {
	interval := cfgSeconds(config, "reflect_interval_seconds", defaultReflectInterval)

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.loopCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Execute(ctx, config, input, userID, ""); err != nil {
					r.logger.Warn("background reflection cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// StopLoop 停止后台周期反思
func (r *ReflectionOrchestrator) StopLoop() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopCancel != nil {
		r.loopCancel()
		r.loopCancel = nil
	}
}
