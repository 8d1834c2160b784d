package orchestration

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/eventbus"
	"github.com/BaSui01/agentorch/types"
)

// TriggerKind 触发条件类型
type TriggerKind string

const (
	// TriggerImmediate 事件到达即触发
	TriggerImmediate TriggerKind = "immediate"
	// TriggerDelayed 事件到达后延迟固定时长触发
	TriggerDelayed TriggerKind = "delayed"
	// TriggerConditional 事件负载匹配给定参数时触发
	TriggerConditional TriggerKind = "conditional"
	// TriggerPeriodic 与事件无关，按固定间隔触发
	TriggerPeriodic TriggerKind = "periodic"
	// TriggerThreshold 累计匹配事件达到阈值时触发一次
	TriggerThreshold TriggerKind = "threshold"
)

// ExpiredEventType 未被任何触发器消费、超过 TTL 的事件以此类型重新发布
const ExpiredEventType = "event_expired"

const (
	defaultEventTTL       = 30 * time.Second
	defaultRunCeiling     = 60 * time.Second
	defaultSweepInterval  = time.Second
	eventChannelCapacity  = 256
)

// TriggerCondition 触发条件
type TriggerCondition struct {
	Kind      TriggerKind
	Delay     time.Duration  // delayed
	Match     map[string]any // conditional：负载需包含的键值
	Interval  time.Duration  // periodic
	Threshold int            // threshold：触发所需的累计事件数
}

// EventTrigger 事件触发器：事件类型 + 条件 → Agent 调用
type EventTrigger struct {
	ID        string
	EventType string
	AgentID   string
	Condition TriggerCondition
	// MaxFires 触发次数上限，0 表示不限；达到后触发器失活
	MaxFires int

	fires   int
	active  bool
	pending int       // threshold 条件的累计计数
	nextAt  time.Time // periodic 条件的下次触发时间
}

// pendingEvent 尚未被消费的事件，带过期时限
type pendingEvent struct {
	event    eventbus.Event
	expireAt time.Time
}

// delayedFire 延迟触发的待执行项
type delayedFire struct {
	trigger *EventTrigger
	event   eventbus.Event
	dueAt   time.Time
}

// EventDrivenOrchestrator 事件驱动编排
// 订阅事件总线，按触发器规则将事件转为 Agent 调用，
// 直到完成谓词满足或达到墙钟上限。
type EventDrivenOrchestrator struct {
	*BaseOrchestrator
	bus eventbus.Bus
}

func newEventDriven(deps Deps) *EventDrivenOrchestrator {
	deps = deps.normalize()
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.NewInMemoryBus(deps.Logger)
	}
	e := &EventDrivenOrchestrator{bus: bus}
	e.BaseOrchestrator = newBase(e, deps)
	return e
}

// Bus 返回本编排器使用的事件总线，调用方通过它注入事件
func (e *EventDrivenOrchestrator) Bus() eventbus.Bus { return e.bus }

// Type 实现 Orchestrator.Type
func (e *EventDrivenOrchestrator) Type() PatternType { return PatternEventDriven }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (e *EventDrivenOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "triggers")

	triggers, errs := triggersFromConfig(config)
	for _, msg := range errs {
		v.AddError(msg)
	}
	if len(triggers) == 0 && len(errs) == 0 {
		v.AddError("at least 1 trigger is required")
	}

	numericRange(v, config, "max_duration_seconds", 0, 86400)
	numericRange(v, config, "event_ttl_seconds", 0, 86400)
	numericRange(v, config, "min_events", 0, 100000)
	return v
}

// triggersFromConfig 解析 config["triggers"]
func triggersFromConfig(config map[string]any) ([]*EventTrigger, []string) {
	raw, ok := config["triggers"].([]any)
	if !ok {
		if typed, ok := config["triggers"].([]map[string]any); ok {
			raw = make([]any, len(typed))
			for i, m := range typed {
				raw[i] = m
			}
		}
	}

	var (
		triggers []*EventTrigger
		errs     []string
	)
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("trigger %d: expected object", i))
			continue
		}

		t := &EventTrigger{
			ID:        cfgString(m, "id", fmt.Sprintf("trigger-%d", i)),
			EventType: cfgString(m, "event_type", ""),
			AgentID:   cfgString(m, "agent_id", ""),
			MaxFires:  cfgInt(m, "max_fires", 0),
			active:    true,
		}
		if t.AgentID == "" {
			errs = append(errs, fmt.Sprintf("trigger %s: agent_id is required", t.ID))
		}

		cond := cfgMap(m, "condition")
		if cond == nil {
			cond = map[string]any{}
		}
		t.Condition = TriggerCondition{
			Kind:      TriggerKind(cfgString(cond, "kind", string(TriggerImmediate))),
			Delay:     cfgSeconds(cond, "delay_seconds", 0),
			Match:     cfgMap(cond, "match"),
			Interval:  cfgSeconds(cond, "interval_seconds", 0),
			Threshold: cfgInt(cond, "threshold", 0),
		}

		switch t.Condition.Kind {
		case TriggerImmediate:
		case TriggerDelayed:
			if t.Condition.Delay <= 0 {
				errs = append(errs, fmt.Sprintf("trigger %s: delayed condition needs delay_seconds > 0", t.ID))
			}
		case TriggerConditional:
			if len(t.Condition.Match) == 0 {
				errs = append(errs, fmt.Sprintf("trigger %s: conditional condition needs non-empty match", t.ID))
			}
		case TriggerPeriodic:
			if t.Condition.Interval <= 0 {
				errs = append(errs, fmt.Sprintf("trigger %s: periodic condition needs interval_seconds > 0", t.ID))
			}
		case TriggerThreshold:
			if t.Condition.Threshold < 1 {
				errs = append(errs, fmt.Sprintf("trigger %s: threshold condition needs threshold >= 1", t.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("trigger %s: unknown condition kind %q", t.ID, t.Condition.Kind))
		}

		if t.EventType == "" && t.Condition.Kind != TriggerPeriodic {
			errs = append(errs, fmt.Sprintf("trigger %s: event_type is required", t.ID))
		}

		triggers = append(triggers, t)
	}
	return triggers, errs
}

// completionSpec 完成谓词：任一条件满足即结束执行
type completionSpec struct {
	minEvents     int
	requiredTypes []string
	allFired      bool
}

func (c completionSpec) empty() bool {
	return c.minEvents == 0 && len(c.requiredTypes) == 0 && !c.allFired
}

// run 实现 strategy.run
func (e *EventDrivenOrchestrator) run(ctx context.Context, ec *execContext) error {
	triggers, _ := triggersFromConfig(ec.config)
	ttl := cfgSeconds(ec.config, "event_ttl_seconds", defaultEventTTL)
	ceiling := cfgSeconds(ec.config, "max_duration_seconds", defaultRunCeiling)
	completion := completionSpec{
		minEvents:     cfgInt(ec.config, "min_events", 0),
		requiredTypes: cfgStringSlice(ec.config, "required_event_types"),
		allFired:      cfgBool(ec.config, "complete_when_all_fired", false),
	}

	incoming := make(chan eventbus.Event, eventChannelCapacity)
	subIDs := e.subscribe(triggers, incoming)
	defer func() {
		for _, id := range subIDs {
			e.bus.Unsubscribe(id)
		}
	}()

	// 初始事件由输入注入，便于自包含运行
	e.publishInitial(ctx, ec.input)

	now := time.Now()
	for _, t := range triggers {
		if t.Condition.Kind == TriggerPeriodic {
			t.nextAt = now.Add(t.Condition.Interval)
		}
	}

	var (
		processed  int
		seenTypes  = map[string]bool{}
		unmatched  []pendingEvent
		delayed    []delayedFire
		deadline   = time.NewTimer(ceiling)
		sweep      = time.NewTicker(defaultSweepInterval)
	)
	defer deadline.Stop()
	defer sweep.Stop()

	fire := func(t *EventTrigger, event eventbus.Event) {
		t.fires++
		if t.MaxFires > 0 && t.fires >= t.MaxFires {
			t.active = false
		}
		ec.emit(types.UpdateAgentStatus, map[string]any{
			"trigger_id": t.ID, "agent_id": t.AgentID, "event_type": event.Type, "fires": t.fires,
		})

		output, err := e.invokeAgent(ctx, ec, t.AgentID, map[string]any{
			"input":   ec.input,
			"trigger": t.ID,
			"event": map[string]any{
				"id": event.ID, "type": event.Type, "source": event.Source, "payload": event.Payload,
			},
		})
		key := fmt.Sprintf("%s#%d", t.ID, t.fires)
		if err != nil {
			ec.result.SetResult(key, map[string]any{"status": "failed", "error": err.Error()})
			e.logger.Warn("trigger handler failed",
				zap.String("trigger_id", t.ID), zap.String("agent_id", t.AgentID), zap.Error(err))
			return
		}
		ec.result.SetResult(key, output)
	}

	done := func() bool {
		if completion.empty() {
			return false
		}
		// 待执行的延迟触发与未过期的滞留事件都算未处理完
		if len(delayed) > 0 || len(unmatched) > 0 {
			return false
		}
		if completion.minEvents > 0 && processed < completion.minEvents {
			return false
		}
		for _, rt := range completion.requiredTypes {
			if !seenTypes[rt] {
				return false
			}
		}
		if completion.allFired {
			for _, t := range triggers {
				if t.fires == 0 {
					return false
				}
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			e.summarize(ec, triggers, processed)
			return ctx.Err()

		case <-deadline.C:
			e.logger.Info("event-driven run reached duration ceiling",
				zap.Duration("ceiling", ceiling), zap.Int("events_processed", processed))
			e.summarize(ec, triggers, processed)
			ec.result.SetResult("stopped_by", "duration_ceiling")
			return nil

		case event := <-incoming:
			processed++
			seenTypes[event.Type] = true

			matched := false
			for _, t := range triggers {
				if !t.active || t.EventType != event.Type {
					continue
				}
				switch t.Condition.Kind {
				case TriggerImmediate:
					matched = true
					fire(t, event)
				case TriggerDelayed:
					matched = true
					delayed = append(delayed, delayedFire{
						trigger: t, event: event, dueAt: time.Now().Add(t.Condition.Delay),
					})
				case TriggerConditional:
					if payloadMatches(event.Payload, t.Condition.Match) {
						matched = true
						fire(t, event)
					}
				case TriggerThreshold:
					matched = true
					t.pending++
					if t.pending >= t.Condition.Threshold {
						t.pending = 0
						fire(t, event)
					}
				}
			}
			if !matched && event.Type != ExpiredEventType && ttl > 0 {
				unmatched = append(unmatched, pendingEvent{event: event, expireAt: time.Now().Add(ttl)})
			}

			if done() {
				e.summarize(ec, triggers, processed)
				ec.result.SetResult("stopped_by", "completion_predicate")
				return nil
			}

		case now := <-sweep.C:
			// 到期的延迟触发
			kept := delayed[:0]
			for _, df := range delayed {
				if !now.Before(df.dueAt) {
					if df.trigger.active {
						fire(df.trigger, df.event)
					}
					continue
				}
				kept = append(kept, df)
			}
			delayed = kept

			// 周期触发
			for _, t := range triggers {
				if t.active && t.Condition.Kind == TriggerPeriodic && !now.Before(t.nextAt) {
					t.nextAt = now.Add(t.Condition.Interval)
					fire(t, eventbus.NewEvent("periodic_tick", "orchestrator", nil))
				}
			}

			// 过期的未消费事件以 event_expired 重新发布
			keptEvents := unmatched[:0]
			for _, pe := range unmatched {
				if !now.Before(pe.expireAt) {
					expired := eventbus.NewEvent(ExpiredEventType, "orchestrator", map[string]any{
						"original_id":   pe.event.ID,
						"original_type": pe.event.Type,
						"payload":       pe.event.Payload,
					})
					if err := e.bus.Publish(ctx, expired); err != nil {
						e.logger.Warn("expired event publish failed", zap.Error(err))
					}
					continue
				}
				keptEvents = append(keptEvents, pe)
			}
			unmatched = keptEvents

			if done() {
				e.summarize(ec, triggers, processed)
				ec.result.SetResult("stopped_by", "completion_predicate")
				return nil
			}
		}
	}
}

// subscribe 按触发器事件类型订阅；event_expired 总是在监听范围内
func (e *EventDrivenOrchestrator) subscribe(triggers []*EventTrigger, incoming chan<- eventbus.Event) []string {
	typeSet := map[string]bool{ExpiredEventType: true}
	for _, t := range triggers {
		if t.EventType != "" {
			typeSet[t.EventType] = true
		}
	}

	handler := func(event eventbus.Event) {
		select {
		case incoming <- event:
		default:
			e.logger.Warn("event channel full, dropping event",
				zap.String("event_id", event.ID), zap.String("event_type", event.Type))
		}
	}

	ids := make([]string, 0, len(typeSet))
	for eventType := range typeSet {
		ids = append(ids, e.bus.Subscribe(eventType, handler))
	}
	return ids
}

// publishInitial 将 input["events"] 作为初始事件注入总线
func (e *EventDrivenOrchestrator) publishInitial(ctx context.Context, input map[string]any) {
	raw, ok := input["events"].([]any)
	if !ok {
		return
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		event := eventbus.NewEvent(cfgString(m, "type", ""), cfgString(m, "source", "input"), cfgMap(m, "payload"))
		if event.Type == "" {
			continue
		}
		if err := e.bus.Publish(ctx, event); err != nil {
			e.logger.Warn("initial event publish failed", zap.Error(err))
		}
	}
}

func (e *EventDrivenOrchestrator) summarize(ec *execContext, triggers []*EventTrigger, processed int) {
	fired := make(map[string]int, len(triggers))
	for _, t := range triggers {
		fired[t.ID] = t.fires
	}
	ec.result.SetResult("trigger_fires", fired)
	ec.result.SetMetric("events_processed", float64(processed))
}

// payloadMatches 负载匹配：match 中每个键都必须在负载中存在且相等
func payloadMatches(payload, match map[string]any) bool {
	for k, want := range match {
		got, ok := payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
