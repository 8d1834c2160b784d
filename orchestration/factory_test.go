package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/types"
)

func TestFactoryConstructsEveryPattern(t *testing.T) {
	deps := testDeps(newRecordingInvoker())

	for _, pattern := range AllPatterns() {
		orch, err := New(pattern, deps)
		require.NoError(t, err, "pattern %s", pattern)
		assert.Equal(t, pattern, orch.Type())
	}
}

func TestFactoryUnknownPatternIsHardError(t *testing.T) {
	orch, err := New(PatternType("quantum"), testDeps(newRecordingInvoker()))

	assert.Nil(t, orch)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnknownPattern))
}

func TestFactoryRequiresInvoker(t *testing.T) {
	orch, err := New(PatternSequential, Deps{})

	assert.Nil(t, orch)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}
