package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentorch/types"
)

func TestSwarmConvergesAndReportsBest(t *testing.T) {
	inv := newRecordingInvoker().onAny(func(agentID string, task map[string]any) (map[string]any, error) {
		quality := 0.6
		if agentID == "ace" {
			quality = 0.95
		}
		return map[string]any{"quality": quality}, nil
	})
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)

	config := map[string]any{
		"agents":         workerIDsOnly("ace", "b", "c"),
		"max_iterations": 5,
	}
	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, types.StatusCompleted, snap.Status)
	assert.Equal(t, "ace", snap.Results["best_agent"])
	assert.Greater(t, snap.Metrics["best_fitness"], 0.5)
	assert.GreaterOrEqual(t, snap.Metrics["iterations"], 1.0)

	params, ok := snap.Results["best_parameters"].(map[string]float64)
	require.True(t, ok)
	for _, dim := range defaultDimensions {
		assert.Contains(t, params, dim)
	}
}

// 惯性本身绝不降低多样性：零认知、零社会系数且初速为零时位置不动
func TestSwarmDiversityUnchangedWithoutAttraction(t *testing.T) {
	inv := newRecordingInvoker().onAny(func(agentID string, task map[string]any) (map[string]any, error) {
		return map[string]any{"quality": 0.5}, nil
	})
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)

	config := map[string]any{
		"agents": agentList(
			types.AgentSpec{ID: "p1", Config: map[string]any{"exploration": 0.1, "precision": 0.1, "speed": 0.1}},
			types.AgentSpec{ID: "p2", Config: map[string]any{"exploration": 0.9, "precision": 0.9, "speed": 0.9}},
		),
		"max_iterations":      4,
		"cognitive_coeff":     0.0,
		"social_coeff":        0.0,
		"diversity_threshold": 0.0,
	}
	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()

	initial := euclidean([]float64{0.1, 0.1, 0.1}, []float64{0.9, 0.9, 0.9})
	assert.InDelta(t, initial, snap.Metrics["final_diversity"], 1e-9)
	assert.Equal(t, false, snap.Results["converged"])
	assert.Equal(t, 4.0, snap.Metrics["iterations"])
}

func TestSwarmConvergenceStopsEarly(t *testing.T) {
	inv := newRecordingInvoker()
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)

	// 所有粒子同一位置：首轮多样性即为 0，低于阈值
	config := map[string]any{
		"agents": agentList(
			types.AgentSpec{ID: "p1", Config: map[string]any{"exploration": 0.5}},
			types.AgentSpec{ID: "p2", Config: map[string]any{"exploration": 0.5}},
			types.AgentSpec{ID: "p3", Config: map[string]any{"exploration": 0.5}},
		),
		"max_iterations":      50,
		"diversity_threshold": 0.1,
	}
	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.NoError(t, err)
	snap := result.Snapshot()
	assert.Equal(t, true, snap.Results["converged"])
	assert.Equal(t, 1.0, snap.Metrics["iterations"])
}

func TestSwarmAllParticlesFailingAborts(t *testing.T) {
	inv := newRecordingInvoker().onAny(func(agentID string, task map[string]any) (map[string]any, error) {
		return nil, errors.New("swarm down")
	})
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)

	config := map[string]any{"agents": workerIDsOnly("a", "b")}
	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWorker))
	assert.Equal(t, types.StatusFailed, result.CurrentStatus())
}

func TestSwarmCollectiveMemoryRetainsBest(t *testing.T) {
	inv := newRecordingInvoker().onAny(func(agentID string, task map[string]any) (map[string]any, error) {
		return map[string]any{"quality": 0.8}, nil
	})
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)
	swarm := orch.(*SwarmOrchestrator)

	config := map[string]any{
		"agents":         workerIDsOnly("a", "b"),
		"max_iterations": 2,
	}
	_, err = swarm.Execute(context.Background(), config, nil, "user", "")
	require.NoError(t, err)

	memory := swarm.CollectiveMemory()
	require.NotEmpty(t, memory)
	assert.Greater(t, memory[0].Fitness, 0.0)
}

// 信息素路径出现在结果中，且最优粒子的邻域边强于其余边
func TestSwarmPheromoneTrailsBiasTowardBestParticle(t *testing.T) {
	inv := newRecordingInvoker().onAny(func(agentID string, task map[string]any) (map[string]any, error) {
		quality := 0.6
		if agentID == "ace" {
			quality = 0.95
		}
		return map[string]any{"quality": quality}, nil
	})
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)

	config := map[string]any{
		"agents":         workerIDsOnly("ace", "b", "c"),
		"max_iterations": 1,
	}
	result, err := orch.Execute(context.Background(), config, nil, "user", "")

	require.NoError(t, err)
	trails, ok := result.Snapshot().Results["pheromone_trails"].(map[string]float64)
	require.True(t, ok)
	require.NotEmpty(t, trails)

	// 粒子 0（ace）适应度最高，强化量与相对适应度成正比，
	// 其两条邻域边必然强于 b、c 之间的边
	assert.Greater(t, trails["0-1"], trails["1-2"])
	assert.Greater(t, trails["0-2"], trails["1-2"])
}

func TestReinforceEdgesAndTrailStrength(t *testing.T) {
	s := &SwarmOrchestrator{}
	pheromones := map[string]float64{}

	s.reinforceEdges(pheromones, 0, [2]int{2, 1}, 0.5)
	assert.InDelta(t, 0.5, pheromones["0-1"], 1e-9)
	assert.InDelta(t, 0.5, pheromones["0-2"], 1e-9)

	assert.InDelta(t, 1.0, trailStrength(pheromones, 0, [2]int{2, 1}), 1e-9)
	assert.InDelta(t, 0.5, trailStrength(pheromones, 1, [2]int{0, 2}), 1e-9)

	// 自环不计
	s.reinforceEdges(pheromones, 3, [2]int{3, 3}, 0.5)
	_, ok := pheromones["3-3"]
	assert.False(t, ok)
}

// 多样性低于收敛阈值两倍时惯性逐轮上升（鼓励探索）
func TestSwarmInertiaRisesOnLowDiversity(t *testing.T) {
	inv := newRecordingInvoker().onAny(func(agentID string, task map[string]any) (map[string]any, error) {
		return map[string]any{"quality": 0.5}, nil
	})
	orch, err := New(PatternSwarm, testDeps(inv))
	require.NoError(t, err)

	// 两粒子距离 √(3·0.01)≈0.173：高于阈值 0.1（不收敛），
	// 低于 0.2 的探索带；零系数、零初速下位置不变
	config := map[string]any{
		"agents": agentList(
			types.AgentSpec{ID: "p1", Config: map[string]any{"exploration": 0.4, "precision": 0.4, "speed": 0.4}},
			types.AgentSpec{ID: "p2", Config: map[string]any{"exploration": 0.5, "precision": 0.5, "speed": 0.5}},
		),
		"max_iterations":      3,
		"cognitive_coeff":     0.0,
		"social_coeff":        0.0,
		"diversity_threshold": 0.1,
	}
	updates, err := orch.ExecuteStreaming(context.Background(), config, nil, "user", "")
	require.NoError(t, err)

	var inertias []float64
	for u := range updates {
		if u.Kind == types.UpdateProgress && u.Payload["phase"] == "iteration" {
			inertias = append(inertias, u.Payload["inertia"].(float64))
		}
	}

	require.Len(t, inertias, 3)
	assert.InDelta(t, 0.7, inertias[0], 1e-9)
	assert.Greater(t, inertias[1], inertias[0])
	assert.Greater(t, inertias[2], inertias[1])
}

func TestFitnessOfWeighsQualityTimeAndCost(t *testing.T) {
	tuning := swarmTuningFromConfig(map[string]any{})

	fast := fitnessOf(map[string]any{"quality": 1.0}, 0, tuning)
	assert.InDelta(t, 1.0, fast, 1e-9)

	slow := fitnessOf(map[string]any{"quality": 1.0}, 20*time.Second, tuning)
	assert.InDelta(t, 0.7, slow, 1e-9)

	costly := fitnessOf(map[string]any{"quality": 1.0, "cost": 1.0}, 0, tuning)
	assert.InDelta(t, 0.85, costly, 1e-9)

	assert.Greater(t, fast, costly)
	assert.Greater(t, costly, slow)
}

func TestSwarmDiversityHelpers(t *testing.T) {
	particles := []swarmParticle{
		{Position: []float64{0, 0}},
		{Position: []float64{0, 1}},
		{Position: []float64{1, 0}},
	}
	// (1 + 1 + √2) / 3
	assert.InDelta(t, (2+1.4142135623730951)/3, swarmDiversity(particles), 1e-9)
	assert.Equal(t, 0.0, swarmDiversity(particles[:1]))
}

func TestPheromoneEvaporation(t *testing.T) {
	pheromones := map[string]float64{"0-1": 1.0, "1-2": 1e-7}
	evaporate(pheromones, 0.5)

	assert.InDelta(t, 0.5, pheromones["0-1"], 1e-9)
	_, ok := pheromones["1-2"]
	assert.False(t, ok, "negligible pheromone evicted")

	assert.Equal(t, edgeKey(2, 1), edgeKey(1, 2))
}
