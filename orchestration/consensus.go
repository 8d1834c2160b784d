package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
)

// ConsensusStrategy 评分策略
type ConsensusStrategy string

const (
	ConsensusSimpleMajority ConsensusStrategy = "simple_majority"
	ConsensusWeighted       ConsensusStrategy = "weighted_voting"
	ConsensusUnanimity      ConsensusStrategy = "unanimity"
	ConsensusSupermajority  ConsensusStrategy = "supermajority"
)

// VoteChoice 投票选项
type VoteChoice string

const (
	VoteFor     VoteChoice = "for"
	VoteAgainst VoteChoice = "against"
	VoteAbstain VoteChoice = "abstain"
)

// Vote 一张选票
type Vote struct {
	AgentID string     `json:"agent_id"`
	Choice  VoteChoice `json:"choice"`
	Weight  float64    `json:"weight"`
	Reason  string     `json:"reason,omitempty"`
	CastAt  time.Time  `json:"cast_at"`
}

// ConsensusRound 一轮投票；选票列表只追加
type ConsensusRound struct {
	Number    int       `json:"number"`
	Votes     []Vote    `json:"votes"`
	ForLevel  float64   `json:"for_level"`
	Against   float64   `json:"against_level"`
	Reached   bool      `json:"reached"`
	Feedback  string    `json:"feedback,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// SessionState 共识会话状态机：active → {completed | failed | terminated}
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionCompleted  SessionState = "completed"
	SessionFailed     SessionState = "failed"
	SessionTerminated SessionState = "terminated"
)

// consensusSession 一次决策的会话；决策结束即丢弃
type consensusSession struct {
	mu        sync.Mutex
	id        string
	strategy  ConsensusStrategy
	state     SessionState
	threshold float64
	maxRounds int
	rounds    []*ConsensusRound // 只追加
	decision  string            // approved / rejected
}

// SessionSnapshot 会话只读快照，供操作员内省
type SessionSnapshot struct {
	ID           string            `json:"id"`
	Strategy     ConsensusStrategy `json:"strategy"`
	State        SessionState      `json:"state"`
	Threshold    float64           `json:"threshold"`
	MaxRounds    int               `json:"max_rounds"`
	CurrentRound int               `json:"current_round"`
	Decision     string            `json:"decision,omitempty"`
	Rounds       []ConsensusRound  `json:"rounds"`
}

func (s *consensusSession) snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	rounds := make([]ConsensusRound, 0, len(s.rounds))
	for _, r := range s.rounds {
		rounds = append(rounds, *r)
	}
	return SessionSnapshot{
		ID:           s.id,
		Strategy:     s.strategy,
		State:        s.state,
		Threshold:    s.threshold,
		MaxRounds:    s.maxRounds,
		CurrentRound: len(s.rounds),
		Decision:     s.decision,
		Rounds:       rounds,
	}
}

// ConsensusOrchestrator 共识编排
// N 轮审议逼近 for/against/abstain 决策；每轮并发收集选票并按策略评分，
// 未达阈值时以差距生成反馈并携带历史进入下一轮，直到轮次耗尽。
type ConsensusOrchestrator struct {
	*BaseOrchestrator

	sessionMu sync.RWMutex
	sessions  map[string]*consensusSession
}

func newConsensus(deps Deps) *ConsensusOrchestrator {
	c := &ConsensusOrchestrator{sessions: make(map[string]*consensusSession)}
	c.BaseOrchestrator = newBase(c, deps)
	return c
}

// Type 实现 Orchestrator.Type
func (c *ConsensusOrchestrator) Type() PatternType { return PatternConsensus }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (c *ConsensusOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 2)

	switch s := ConsensusStrategy(cfgString(config, "strategy", string(ConsensusSimpleMajority))); s {
	case ConsensusSimpleMajority, ConsensusWeighted, ConsensusUnanimity, ConsensusSupermajority:
	default:
		v.AddError(fmt.Sprintf("unknown consensus strategy: %q", s))
	}

	if _, ok := config["threshold"]; ok {
		t := cfgFloat(config, "threshold", -1)
		if t <= 0 || t >= 1 {
			v.AddError("threshold must be in (0, 1)")
		}
	}
	if _, ok := config["max_rounds"]; ok && cfgInt(config, "max_rounds", 0) < 1 {
		v.AddError("max_rounds must be >= 1")
	}
	numericRange(v, config, "round_timeout", 0, 3600)

	if ConsensusStrategy(cfgString(config, "strategy", "")) == ConsensusWeighted {
		weighted := false
		for _, a := range agents {
			if a.Weight > 0 {
				weighted = true
				break
			}
		}
		if !weighted {
			v.AddSuggestion("weighted_voting with no agent weights degenerates to simple majority")
		}
	}
	return v
}

// run 实现 strategy.run
func (c *ConsensusOrchestrator) run(ctx context.Context, ec *execContext) error {
	agents := agentsFromConfig(ec.config)
	session := &consensusSession{
		id:        uuid.New().String(),
		strategy:  ConsensusStrategy(cfgString(ec.config, "strategy", string(ConsensusSimpleMajority))),
		state:     SessionActive,
		threshold: cfgFloat(ec.config, "threshold", 0.5),
		maxRounds: cfgInt(ec.config, "max_rounds", 3),
	}
	roundTimeout := cfgSeconds(ec.config, "round_timeout", 60*time.Second)

	c.sessionMu.Lock()
	c.sessions[session.id] = session
	c.sessionMu.Unlock()
	// 会话只为一次决策存活
	defer func() {
		c.sessionMu.Lock()
		delete(c.sessions, session.id)
		c.sessionMu.Unlock()
	}()

	ec.result.SetResult("session_id", session.id)

	var feedback []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		session.mu.Lock()
		if session.state == SessionTerminated {
			session.mu.Unlock()
			ec.result.SetResult("session", session.snapshot())
			return types.NewError(types.ErrSessionClosed, "session terminated by operator")
		}
		// current_round 绝不超过 max_rounds
		if len(session.rounds) >= session.maxRounds {
			session.state = SessionFailed
			session.mu.Unlock()
			break
		}
		round := &ConsensusRound{Number: len(session.rounds) + 1, StartedAt: time.Now()}
		session.rounds = append(session.rounds, round)
		threshold := session.threshold
		strategy := session.strategy
		session.mu.Unlock()

		ec.emit(types.UpdateProgress, map[string]any{
			"round":     round.Number,
			"max":       session.maxRounds,
			"threshold": threshold,
		})

		votes := c.collectVotes(ctx, ec, agents, round.Number, feedback, roundTimeout)

		session.mu.Lock()
		round.Votes = append(round.Votes, votes...)
		forLevel, againstLevel := scoreVotes(strategy, votes, threshold)
		round.ForLevel = forLevel
		round.Against = againstLevel
		round.EndedAt = time.Now()

		switch {
		case forLevel >= threshold:
			round.Reached = true
			session.state = SessionCompleted
			session.decision = "approved"
		case againstLevel >= threshold:
			round.Reached = true
			session.state = SessionCompleted
			session.decision = "rejected"
		default:
			round.Feedback = fmt.Sprintf(
				"consensus level %.2f below threshold %.2f (gap %.2f); address objections and revote",
				forLevel, threshold, threshold-forLevel)
			feedback = append(feedback, round.Feedback)
		}
		state := session.state
		session.mu.Unlock()

		c.logger.Info("consensus round finished",
			zap.String("session_id", session.id),
			zap.Int("round", round.Number),
			zap.Float64("for_level", forLevel),
			zap.Float64("against_level", againstLevel),
			zap.String("state", string(state)))

		if state == SessionCompleted {
			break
		}
	}

	snap := session.snapshot()
	ec.result.SetResult("session", snap)
	ec.result.SetResult("decision", snap.Decision)
	ec.result.SetMetric("rounds_used", float64(snap.CurrentRound))
	if len(snap.Rounds) > 0 {
		last := snap.Rounds[len(snap.Rounds)-1]
		ec.result.SetMetric("final_level", last.ForLevel)
	}

	if snap.State != SessionCompleted {
		ec.result.MarkFailed(fmt.Sprintf("no consensus after %d rounds", snap.CurrentRound))
	}
	return nil
}

// collectVotes 并发向所有参与者征票；失败或缺失的票直接缺席
func (c *ConsensusOrchestrator) collectVotes(ctx context.Context, ec *execContext, agents []types.AgentSpec, roundNum int, feedback []string, timeout time.Duration) []Vote {
	roundCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	votes := make([]Vote, len(agents))
	cast := make([]bool, len(agents))
	var wg sync.WaitGroup

	for i, agent := range agents {
		wg.Add(1)
		go func(idx int, agent types.AgentSpec) {
			defer wg.Done()

			task := map[string]any{
				"proposal": ec.input,
				"round":    roundNum,
			}
			if len(feedback) > 0 {
				task["feedback"] = append([]string{}, feedback...)
			}

			output, err := c.invokeAgent(roundCtx, ec, agent.ID, task)
			if err != nil {
				c.logger.Debug("vote absent",
					zap.String("agent_id", agent.ID), zap.Error(err))
				return
			}

			choice, ok := parseVoteChoice(output)
			if !ok {
				return
			}
			weight := agent.Weight
			if weight <= 0 {
				weight = 1.0
			}
			votes[idx] = Vote{
				AgentID: agent.ID,
				Choice:  choice,
				Weight:  weight,
				Reason:  cfgString(output, "reason", ""),
				CastAt:  time.Now(),
			}
			cast[idx] = true
		}(i, agent)
	}
	wg.Wait()

	out := make([]Vote, 0, len(agents))
	for i := range votes {
		if cast[i] {
			out = append(out, votes[i])
		}
	}
	return out
}

func parseVoteChoice(output map[string]any) (VoteChoice, bool) {
	raw := strings.ToLower(cfgString(output, "vote", ""))
	switch raw {
	case "for", "yes", "approve":
		return VoteFor, true
	case "against", "no", "reject":
		return VoteAgainst, true
	case "abstain":
		return VoteAbstain, true
	}
	return "", false
}

// scoreVotes 按策略计算 for/against 两个方向的共识水平
func scoreVotes(strategy ConsensusStrategy, votes []Vote, threshold float64) (forLevel, againstLevel float64) {
	if len(votes) == 0 {
		return 0, 0
	}

	var forCount, againstCount float64
	var forWeight, againstWeight, totalWeight float64
	for _, v := range votes {
		totalWeight += v.Weight
		switch v.Choice {
		case VoteFor:
			forCount++
			forWeight += v.Weight
		case VoteAgainst:
			againstCount++
			againstWeight += v.Weight
		}
	}
	total := float64(len(votes))

	switch strategy {
	case ConsensusWeighted:
		if totalWeight > 0 {
			return forWeight / totalWeight, againstWeight / totalWeight
		}
		return 0, 0
	case ConsensusUnanimity:
		// 二元水平：零反对且至少一票赞成
		if againstCount == 0 && forCount >= 1 {
			return 1, 0
		}
		if forCount == 0 && againstCount >= 1 {
			return 0, 1
		}
		return 0, 0
	default:
		// simple_majority 与 supermajority 共用公式，阈值由调用方决定
		return forCount / total, againstCount / total
	}
}

// GetSession 操作员内省：按会话 id 获取快照
func (c *ConsensusOrchestrator) GetSession(sessionID string) (SessionSnapshot, bool) {
	c.sessionMu.RLock()
	session, ok := c.sessions[sessionID]
	c.sessionMu.RUnlock()
	if !ok {
		return SessionSnapshot{}, false
	}
	return session.snapshot(), true
}

// ExtendRounds 操作员在会话进行中追加轮次
func (c *ConsensusOrchestrator) ExtendRounds(sessionID string, extra int) error {
	if extra < 1 {
		return types.NewError(types.ErrValidation, "extra rounds must be >= 1")
	}
	return c.withActiveSession(sessionID, func(s *consensusSession) {
		s.maxRounds += extra
	})
}

// AdjustThreshold 操作员在会话进行中调整阈值
func (c *ConsensusOrchestrator) AdjustThreshold(sessionID string, threshold float64) error {
	if threshold <= 0 || threshold >= 1 {
		return types.NewError(types.ErrValidation, "threshold must be in (0, 1)")
	}
	return c.withActiveSession(sessionID, func(s *consensusSession) {
		s.threshold = threshold
	})
}

// TerminateSession 操作员强制终止会话
func (c *ConsensusOrchestrator) TerminateSession(sessionID string) error {
	return c.withActiveSession(sessionID, func(s *consensusSession) {
		s.state = SessionTerminated
	})
}

func (c *ConsensusOrchestrator) withActiveSession(sessionID string, fn func(*consensusSession)) error {
	c.sessionMu.RLock()
	session, ok := c.sessions[sessionID]
	c.sessionMu.RUnlock()
	if !ok {
		return types.NewError(types.ErrSessionClosed, "session not found: "+sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.state != SessionActive {
		return types.NewError(types.ErrSessionClosed, "session no longer active: "+sessionID)
	}
	fn(session)
	return nil
}
