package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/types"
)

func eventConfig(triggers []any, extra map[string]any) map[string]any {
	config := map[string]any{"triggers": triggers}
	for k, v := range extra {
		config[k] = v
	}
	return config
}

func TestEventDrivenImmediateTriggerFires(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{"id": "on-data", "event_type": "data", "agent_id": "worker"},
	}, map[string]any{"min_events": 1})

	input := map[string]any{"events": []any{
		map[string]any{"type": "data", "payload": map[string]any{"n": 1}},
	}}
	result, err := orch.Execute(context.Background(), config, input, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, "completion_predicate", snap.Results["stopped_by"])
	assert.Equal(t, 1, inv.callCount("worker"))

	fires := snap.Results["trigger_fires"].(map[string]int)
	assert.Equal(t, 1, fires["on-data"])
	assert.Equal(t, 1.0, snap.Metrics["events_processed"])
}

func TestEventDrivenConditionalMatching(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{
			"id": "on-critical", "event_type": "alert", "agent_id": "responder",
			"condition": map[string]any{
				"kind":  "conditional",
				"match": map[string]any{"severity": "critical"},
			},
		},
	}, map[string]any{"min_events": 2, "event_ttl_seconds": 0})

	input := map[string]any{"events": []any{
		map[string]any{"type": "alert", "payload": map[string]any{"severity": "info"}},
		map[string]any{"type": "alert", "payload": map[string]any{"severity": "critical"}},
	}}
	result, err := orch.Execute(context.Background(), config, input, "user", "")

	require.NoError(t, err)
	// 两条事件都计数，只有匹配的那条触发
	assert.Equal(t, 1, inv.callCount("responder"))
	assert.Equal(t, 2.0, result.Snapshot().Metrics["events_processed"])
}

func TestEventDrivenThresholdAccumulates(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{
			"id": "batcher", "event_type": "item", "agent_id": "batch-worker",
			"condition": map[string]any{"kind": "threshold", "threshold": 3},
		},
	}, map[string]any{"min_events": 3})

	input := map[string]any{"events": []any{
		map[string]any{"type": "item"},
		map[string]any{"type": "item"},
		map[string]any{"type": "item"},
	}}
	result, err := orch.Execute(context.Background(), config, input, "user", "")

	require.NoError(t, err)
	assert.Equal(t, 1, inv.callCount("batch-worker"))
	fires := result.Snapshot().Results["trigger_fires"].(map[string]int)
	assert.Equal(t, 1, fires["batcher"])
}

func TestEventDrivenMaxFiresDeactivatesTrigger(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{"id": "once", "event_type": "ping", "agent_id": "worker", "max_fires": 1},
	}, map[string]any{"min_events": 2})

	input := map[string]any{"events": []any{
		map[string]any{"type": "ping"},
		map[string]any{"type": "ping"},
	}}
	result, err := orch.Execute(context.Background(), config, input, "user", "")

	require.NoError(t, err)
	assert.Equal(t, 1, inv.callCount("worker"))
	fires := result.Snapshot().Results["trigger_fires"].(map[string]int)
	assert.Equal(t, 1, fires["once"])
}

func TestEventDrivenDurationCeilingWithoutEvents(t *testing.T) {
	orch, err := New(PatternEventDriven, testDeps(newRecordingInvoker()))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{"id": "idle", "event_type": "never", "agent_id": "worker"},
	}, map[string]any{"max_duration_seconds": 0.05})

	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, "duration_ceiling", snap.Results["stopped_by"])
	assert.Equal(t, 0.0, snap.Metrics["events_processed"])
}

// 延迟触发尚未执行时完成谓词不得提前结束运行
func TestEventDrivenCompletionWaitsForDelayedFires(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{
			"id": "slow", "event_type": "data", "agent_id": "deferred-worker",
			"condition": map[string]any{"kind": "delayed", "delay_seconds": 0.5},
		},
	}, map[string]any{"min_events": 1, "max_duration_seconds": 5})

	input := map[string]any{"events": []any{
		map[string]any{"type": "data", "payload": map[string]any{"n": 1}},
	}}
	result, err := orch.Execute(context.Background(), config, input, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, "completion_predicate", snap.Results["stopped_by"])
	assert.Equal(t, 1, inv.callCount("deferred-worker"))

	fires := snap.Results["trigger_fires"].(map[string]int)
	assert.Equal(t, 1, fires["slow"])
}

// 未被消费的事件过期后以 event_expired 重新发布，可被触发器消费
func TestEventDrivenExpiredEventRepublished(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{
			"id": "picky", "event_type": "data", "agent_id": "worker",
			"condition": map[string]any{
				"kind":  "conditional",
				"match": map[string]any{"wanted": true},
			},
		},
		map[string]any{"id": "janitor", "event_type": ExpiredEventType, "agent_id": "cleaner"},
	}, map[string]any{
		"event_ttl_seconds":    0.1,
		"required_event_types": []any{ExpiredEventType},
		"max_duration_seconds": 5,
	})

	input := map[string]any{"events": []any{
		map[string]any{"type": "data", "payload": map[string]any{"wanted": false}},
	}}
	result, err := orch.Execute(context.Background(), config, input, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, "completion_predicate", snap.Results["stopped_by"])
	assert.Equal(t, 0, inv.callCount("worker"))
	assert.Equal(t, 1, inv.callCount("cleaner"))
}

func TestEventDrivenPeriodicTrigger(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternEventDriven, testDeps(inv))
	require.NoError(t, err)

	config := eventConfig([]any{
		map[string]any{
			"id": "heartbeat", "agent_id": "monitor",
			"condition": map[string]any{"kind": "periodic", "interval_seconds": 0.2},
		},
	}, map[string]any{
		"complete_when_all_fired": true,
		"max_duration_seconds":    5,
	})

	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, "completion_predicate", snap.Results["stopped_by"])
	assert.GreaterOrEqual(t, inv.callCount("monitor"), 1)
}

func TestTriggersFromConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		trigger map[string]any
		wantErr string
	}{
		{
			name:    "missing agent",
			trigger: map[string]any{"id": "t", "event_type": "x"},
			wantErr: "agent_id is required",
		},
		{
			name: "delayed without delay",
			trigger: map[string]any{
				"id": "t", "event_type": "x", "agent_id": "a",
				"condition": map[string]any{"kind": "delayed"},
			},
			wantErr: "delay_seconds",
		},
		{
			name: "conditional without match",
			trigger: map[string]any{
				"id": "t", "event_type": "x", "agent_id": "a",
				"condition": map[string]any{"kind": "conditional"},
			},
			wantErr: "non-empty match",
		},
		{
			name: "unknown kind",
			trigger: map[string]any{
				"id": "t", "event_type": "x", "agent_id": "a",
				"condition": map[string]any{"kind": "psychic"},
			},
			wantErr: "unknown condition kind",
		},
		{
			name:    "missing event type",
			trigger: map[string]any{"id": "t", "agent_id": "a"},
			wantErr: "event_type is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, errs := triggersFromConfig(map[string]any{"triggers": []any{tc.trigger}})
			require.NotEmpty(t, errs)
			assert.Contains(t, errs[0], tc.wantErr)
		})
	}
}

func TestPayloadMatches(t *testing.T) {
	payload := map[string]any{"severity": "critical", "count": 3}

	assert.True(t, payloadMatches(payload, map[string]any{"severity": "critical"}))
	assert.True(t, payloadMatches(payload, nil))
	assert.False(t, payloadMatches(payload, map[string]any{"severity": "info"}))
	assert.False(t, payloadMatches(payload, map[string]any{"missing": true}))
	assert.False(t, payloadMatches(nil, map[string]any{"severity": "critical"}))
}
