package orchestration

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentorch/types"
)

func TestDetectCyclesFindsCycle(t *testing.T) {
	agents := []types.AgentSpec{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"c"}},
		{ID: "c", DependsOn: []string{"a"}},
	}

	cycle := detectCycles(agents)
	require.NotNil(t, cycle)
	assert.GreaterOrEqual(t, len(cycle), 4)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
}

func TestDetectCyclesCleanGraph(t *testing.T) {
	agents := []types.AgentSpec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a", "b"}},
	}
	assert.Nil(t, detectCycles(agents))
}

func TestDetectCyclesSelfLoop(t *testing.T) {
	agents := []types.AgentSpec{{ID: "a", DependsOn: []string{"a"}}}
	assert.NotNil(t, detectCycles(agents))
}

func TestUnknownDependencies(t *testing.T) {
	agents := []types.AgentSpec{
		{ID: "a", DependsOn: []string{"ghost"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	assert.Equal(t, []string{"a -> ghost"}, unknownDependencies(agents))
}

func TestAgentListMinRejectsDuplicatesAndEmptyIDs(t *testing.T) {
	v := types.NewValidationResult()
	agentListMin(v, []types.AgentSpec{{ID: "a"}, {ID: "a"}, {ID: ""}}, 1)

	assert.False(t, v.Valid)
	assert.Len(t, v.Errors, 2)
}

func TestNumericRangeRejectsStrings(t *testing.T) {
	v := types.NewValidationResult()
	numericRange(v, map[string]any{"threshold": "high"}, "threshold", 0, 1)
	assert.False(t, v.Valid)
}

// 校验是纯函数：同一配置重复校验产出完全一致的结果，且不修改配置
func TestValidationIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "agents")
		agents := make([]any, n)
		for i := 0; i < n; i++ {
			agents[i] = map[string]any{
				"id":       fmt.Sprintf("agent-%d", rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("id%d", i))),
				"priority": rapid.IntRange(-5, 5).Draw(t, fmt.Sprintf("prio%d", i)),
			}
		}
		config := map[string]any{
			"agents":      agents,
			"max_rounds":  rapid.IntRange(-1, 10).Draw(t, "rounds"),
			"threshold":   rapid.Float64Range(-0.5, 1.5).Draw(t, "threshold"),
		}

		for _, pattern := range AllPatterns() {
			orch, err := New(pattern, testDeps(newRecordingInvoker()))
			require.NoError(t, err)

			first := orch.ValidateConfiguration(config)
			second := orch.ValidateConfiguration(config)

			assert.Equal(t, first.Valid, second.Valid)
			assert.Equal(t, first.Errors, second.Errors)
			assert.Equal(t, first.Warnings, second.Warnings)
		}
	})
}
