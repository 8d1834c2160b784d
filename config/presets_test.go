package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePresets = `
presets:
  - name: code-review
    pattern: hierarchical
    description: manager assigns review tasks to workers
    config:
      timeout_seconds: 120
      agents:
        - id: lead
          role: manager
        - id: rev1
        - id: rev2
  - name: quick-vote
    pattern: consensus
    config:
      threshold: 0.6
      max_rounds: 2
`

func TestParsePresets(t *testing.T) {
	presets, err := ParsePresets([]byte(samplePresets))

	require.NoError(t, err)
	require.Len(t, presets, 2)

	review := presets["code-review"]
	assert.Equal(t, "hierarchical", review.Pattern)
	assert.Equal(t, 120, review.Config["timeout_seconds"])

	vote := presets["quick-vote"]
	assert.Equal(t, "consensus", vote.Pattern)
	assert.Equal(t, 0.6, vote.Config["threshold"])
}

func TestParsePresetsRejectsBadEntries(t *testing.T) {
	_, err := ParsePresets([]byte("presets:\n  - pattern: parallel\n"))
	assert.ErrorContains(t, err, "empty name")

	_, err = ParsePresets([]byte("presets:\n  - name: x\n"))
	assert.ErrorContains(t, err, "pattern is required")

	_, err = ParsePresets([]byte(`
presets:
  - name: dup
    pattern: parallel
  - name: dup
    pattern: sequential
`))
	assert.ErrorContains(t, err, "duplicate preset name")

	_, err = ParsePresets([]byte("presets: {not: a list}"))
	assert.Error(t, err)
}

func TestParsePresetsNilConfigBecomesEmpty(t *testing.T) {
	presets, err := ParsePresets([]byte("presets:\n  - name: bare\n    pattern: parallel\n"))
	require.NoError(t, err)
	assert.NotNil(t, presets["bare"].Config)
}

func TestMergeOverridesAndRecurses(t *testing.T) {
	base := map[string]any{
		"threshold": 0.5,
		"agents":    []any{"a"},
		"retry": map[string]any{
			"max_attempts": 3,
			"strategy":     "exponential",
		},
	}
	override := map[string]any{
		"threshold": 0.7,
		"retry": map[string]any{
			"max_attempts": 5,
		},
	}

	merged := Merge(base, override)

	assert.Equal(t, 0.7, merged["threshold"])
	assert.Equal(t, []any{"a"}, merged["agents"])

	retry := merged["retry"].(map[string]any)
	assert.Equal(t, 5, retry["max_attempts"])
	assert.Equal(t, "exponential", retry["strategy"])

	// 原 map 不被修改
	assert.Equal(t, 0.5, base["threshold"])
	assert.Equal(t, 3, base["retry"].(map[string]any)["max_attempts"])
}
