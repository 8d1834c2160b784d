package orchestration

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/internal/ringbuf"
	"github.com/BaSui01/agentorch/types"
)

// 群体智能默认参数
const (
	defaultSwarmIterations   = 10
	defaultInertia           = 0.7
	defaultCognitiveCoeff    = 1.5
	defaultSocialCoeff       = 1.5
	defaultMaxVelocity       = 1.0
	defaultDiversityLimit    = 0.05
	defaultEvaporationRate   = 0.1
	defaultReinforcement     = 0.5
	defaultFitnessTimeLimit  = 10 * time.Second
	inertiaFloor             = 0.4
	inertiaCeil              = 0.9
	lowDiversityBand         = 2.0
	swarmMemoryCapacity      = 64
	defaultQualityWeight     = 0.4
	defaultTimeWeight        = 0.3
	defaultCostWeight        = 0.3
)

// defaultDimensions 粒子位置的默认参数维度
var defaultDimensions = []string{"exploration", "precision", "speed"}

// swarmParticle 一个 Agent 对应一个粒子
// Position 的每个分量都在 [0,1]，对应一个命名参数维度
type swarmParticle struct {
	AgentID     string
	Position    []float64
	Velocity    []float64
	Best        []float64
	BestFitness float64
	Fitness     float64
	// 静态环形邻域中的左右邻居（粒子下标）
	Neighbors [2]int
}

// SwarmSolution 集体记忆中的一条最优解
type SwarmSolution struct {
	AgentID    string             `json:"agent_id"`
	Fitness    float64            `json:"fitness"`
	Parameters map[string]float64 `json:"parameters"`
	Iteration  int                `json:"iteration"`
	At         time.Time          `json:"at"`
}

// swarmTuning 从配置解析出的 PSO 参数
type swarmTuning struct {
	iterations     int
	inertia        float64
	cognitive      float64
	social         float64
	maxVelocity    float64
	diversityLimit float64
	evaporation    float64
	reinforcement  float64
	dims           []string
	qualityW       float64
	timeW          float64
	costW          float64
}

// SwarmOrchestrator 粒子群编排
// 每个 Agent 是搜索空间中的一个粒子，多轮迭代中按适应度协同收敛。
type SwarmOrchestrator struct {
	*BaseOrchestrator

	memMu  sync.RWMutex
	memory *ringbuf.Ring[SwarmSolution]
	rng    *rand.Rand
}

func newSwarm(deps Deps) *SwarmOrchestrator {
	s := &SwarmOrchestrator{
		memory: ringbuf.New[SwarmSolution](swarmMemoryCapacity),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.BaseOrchestrator = newBase(s, deps)
	return s
}

// Type 实现 Orchestrator.Type
func (s *SwarmOrchestrator) Type() PatternType { return PatternSwarm }

// ValidateConfiguration 实现 Orchestrator.ValidateConfiguration
func (s *SwarmOrchestrator) ValidateConfiguration(config map[string]any) *types.ValidationResult {
	v := types.NewValidationResult()
	requireKeys(v, config, "agents")

	agents := agentsFromConfig(config)
	agentListMin(v, agents, 2)

	numericRange(v, config, "max_iterations", 1, 1000)
	numericRange(v, config, "inertia", 0, 1)
	numericRange(v, config, "cognitive_coeff", 0, 4)
	numericRange(v, config, "social_coeff", 0, 4)
	numericRange(v, config, "max_velocity", 0, 10)
	numericRange(v, config, "diversity_threshold", 0, 1)
	numericRange(v, config, "evaporation_rate", 0, 1)

	if len(agents) == 2 {
		v.AddSuggestion("swarm with 2 agents degenerates to pairwise search; 5+ agents recommended")
	}
	return v
}

func swarmTuningFromConfig(config map[string]any) swarmTuning {
	t := swarmTuning{
		iterations:     cfgInt(config, "max_iterations", defaultSwarmIterations),
		inertia:        cfgFloat(config, "inertia", defaultInertia),
		cognitive:      cfgFloat(config, "cognitive_coeff", defaultCognitiveCoeff),
		social:         cfgFloat(config, "social_coeff", defaultSocialCoeff),
		maxVelocity:    cfgFloat(config, "max_velocity", defaultMaxVelocity),
		diversityLimit: cfgFloat(config, "diversity_threshold", defaultDiversityLimit),
		evaporation:    cfgFloat(config, "evaporation_rate", defaultEvaporationRate),
		reinforcement:  cfgFloat(config, "reinforcement", defaultReinforcement),
		dims:           cfgStringSlice(config, "dimensions"),
		qualityW:       cfgFloat(config, "quality_weight", defaultQualityWeight),
		timeW:          cfgFloat(config, "time_weight", defaultTimeWeight),
		costW:          cfgFloat(config, "cost_weight", defaultCostWeight),
	}
	if len(t.dims) == 0 {
		t.dims = defaultDimensions
	}
	return t
}

// run 实现 strategy.run
func (s *SwarmOrchestrator) run(ctx context.Context, ec *execContext) error {
	agents := agentsFromConfig(ec.config)
	tuning := swarmTuningFromConfig(ec.config)

	particles := s.initParticles(agents, tuning.dims)
	pheromones := make(map[string]float64) // 环形邻域边 "i-j" → 信息素强度

	var (
		globalBest        []float64
		globalBestFitness = -1.0
		globalBestAgent   string
		converged         bool
		lastDiversity     float64
		inertia           = tuning.inertia
		iterationsRun     int
	)

	for iter := 0; iter < tuning.iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		iterationsRun = iter + 1

		failures := s.evaluate(ctx, ec, particles, tuning, iter)
		if failures == len(particles) {
			return types.NewError(types.ErrWorker,
				fmt.Sprintf("all %d particles failed at iteration %d", len(particles), iter))
		}

		improved := false
		for i := range particles {
			p := &particles[i]
			if p.Fitness > globalBestFitness {
				globalBestFitness = p.Fitness
				globalBestAgent = p.AgentID
				globalBest = append(globalBest[:0], p.Position...)
				improved = true
			}
		}
		for i := range particles {
			p := &particles[i]
			if p.Fitness > p.BestFitness {
				p.BestFitness = p.Fitness
				copy(p.Best, p.Position)
				// 信息素强化量与相对适应度成正比
				ratio := 1.0
				if globalBestFitness > 0 {
					ratio = p.Fitness / globalBestFitness
				}
				s.reinforceEdges(pheromones, i, p.Neighbors, tuning.reinforcement*ratio)
			}
		}
		evaporate(pheromones, tuning.evaporation)

		if improved {
			s.remember(SwarmSolution{
				AgentID:    globalBestAgent,
				Fitness:    globalBestFitness,
				Parameters: namedPosition(tuning.dims, globalBest),
				Iteration:  iter,
				At:         time.Now(),
			})
		}

		lastDiversity = swarmDiversity(particles)
		ec.emit(types.UpdateProgress, map[string]any{
			"phase":        "iteration",
			"iteration":    iter,
			"best_fitness": globalBestFitness,
			"best_agent":   globalBestAgent,
			"diversity":    lastDiversity,
			"inertia":      inertia,
		})

		if lastDiversity < tuning.diversityLimit {
			converged = true
			s.logger.Info("swarm converged",
				zap.Int("iteration", iter), zap.Float64("diversity", lastDiversity))
			break
		}

		// 自适应惯性：多样性逼近收敛阈值时升惯性鼓励探索，充足时降惯性加速收敛
		if lastDiversity < tuning.diversityLimit*lowDiversityBand {
			inertia *= 1.05
		} else {
			inertia *= 0.95
		}
		inertia = math.Min(inertiaCeil, math.Max(inertiaFloor, inertia))

		s.advance(particles, globalBest, pheromones, inertia, tuning)
	}

	trails := make(map[string]float64, len(pheromones))
	for k, v := range pheromones {
		trails[k] = v
	}
	ec.result.SetResult("pheromone_trails", trails)
	ec.result.SetResult("best_agent", globalBestAgent)
	ec.result.SetResult("best_parameters", namedPosition(tuning.dims, globalBest))
	ec.result.SetResult("converged", converged)
	ec.result.SetMetric("best_fitness", globalBestFitness)
	ec.result.SetMetric("final_diversity", lastDiversity)
	ec.result.SetMetric("iterations", float64(iterationsRun))
	return nil
}

// initParticles 初始化粒子：位置来自 Agent 配置种子（默认 0.5），
// 速度为零，个体最优即初始位置。静态环形邻域按列表顺序连接。
func (s *SwarmOrchestrator) initParticles(agents []types.AgentSpec, dims []string) []swarmParticle {
	n := len(agents)
	particles := make([]swarmParticle, n)
	for i, a := range agents {
		p := swarmParticle{
			AgentID:     a.ID,
			Position:    make([]float64, len(dims)),
			Velocity:    make([]float64, len(dims)),
			Best:        make([]float64, len(dims)),
			BestFitness: -1,
			Neighbors:   [2]int{(i - 1 + n) % n, (i + 1) % n},
		}
		for d, name := range dims {
			p.Position[d] = 0.5
			if a.Config != nil {
				p.Position[d] = clamp01(cfgFloat(a.Config, name, 0.5))
			}
		}
		copy(p.Best, p.Position)
		particles[i] = p
	}
	return particles
}

// evaluate 并发评估所有粒子的适应度，返回失败数
// 适应度 = 0.4·质量 + 0.3·时间得分 + 0.3·成本得分
func (s *SwarmOrchestrator) evaluate(ctx context.Context, ec *execContext, particles []swarmParticle, tuning swarmTuning, iter int) int {
	var wg sync.WaitGroup
	failures := make([]bool, len(particles))

	for i := range particles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &particles[i]

			start := time.Now()
			output, err := s.invokeAgent(ctx, ec, p.AgentID, map[string]any{
				"input":      ec.input,
				"parameters": namedPosition(tuning.dims, p.Position),
				"iteration":  iter,
			})
			if err != nil {
				p.Fitness = 0
				failures[i] = true
				s.logger.Warn("particle evaluation failed",
					zap.String("agent_id", p.AgentID), zap.Int("iteration", iter), zap.Error(err))
				return
			}
			p.Fitness = fitnessOf(output, time.Since(start), tuning)
		}(i)
	}
	wg.Wait()

	n := 0
	for _, f := range failures {
		if f {
			n++
		}
	}
	return n
}

func fitnessOf(output map[string]any, elapsed time.Duration, tuning swarmTuning) float64 {
	quality := clamp01(cfgFloat(output, "quality", 0.5))

	timeScore := 1 - math.Min(1, float64(elapsed)/float64(defaultFitnessTimeLimit))

	costScore := 1.0
	if cost := cfgFloat(output, "cost", 0); cost > 0 {
		costScore = 1 / (1 + cost)
	}

	return clamp01(tuning.qualityW*quality + tuning.timeW*timeScore + tuning.costW*costScore)
}

// advance 速度与位置更新
// v = 惯性·v + 认知·rand·(pbest−pos) + 社会·rand·(gbest−pos)，逐分量钳制 ±maxVelocity。
// 社会项按粒子邻域边上的信息素加权：强化过的路径拉力更强（最多翻倍）。
func (s *SwarmOrchestrator) advance(particles []swarmParticle, globalBest []float64, pheromones map[string]float64, inertia float64, tuning swarmTuning) {
	for i := range particles {
		p := &particles[i]
		trail := 1 + math.Min(1, trailStrength(pheromones, i, p.Neighbors))
		for d := range p.Position {
			cognitive := tuning.cognitive * s.rng.Float64() * (p.Best[d] - p.Position[d])
			social := 0.0
			if globalBest != nil {
				social = trail * tuning.social * s.rng.Float64() * (globalBest[d] - p.Position[d])
			}
			v := inertia*p.Velocity[d] + cognitive + social
			if v > tuning.maxVelocity {
				v = tuning.maxVelocity
			} else if v < -tuning.maxVelocity {
				v = -tuning.maxVelocity
			}
			p.Velocity[d] = v
			p.Position[d] = clamp01(p.Position[d] + v)
		}
	}
}

// swarmDiversity 群体多样性：所有粒子两两位置距离的均值
func swarmDiversity(particles []swarmParticle) float64 {
	n := len(particles)
	if n < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += euclidean(particles[i].Position, particles[j].Position)
			pairs++
		}
	}
	return sum / float64(pairs)
}

func euclidean(a, b []float64) float64 {
	var sq float64
	for d := range a {
		diff := a[d] - b[d]
		sq += diff * diff
	}
	return math.Sqrt(sq)
}

func edgeKey(i, j int) string {
	if i > j {
		i, j = j, i
	}
	return fmt.Sprintf("%d-%d", i, j)
}

// reinforceEdges 改进的粒子强化其环形邻域边上的信息素
func (s *SwarmOrchestrator) reinforceEdges(pheromones map[string]float64, i int, neighbors [2]int, amount float64) {
	for _, n := range neighbors {
		if n == i {
			continue
		}
		pheromones[edgeKey(i, n)] += amount
	}
}

// trailStrength 粒子邻域边上的信息素之和
func trailStrength(pheromones map[string]float64, i int, neighbors [2]int) float64 {
	var sum float64
	for _, n := range neighbors {
		if n == i {
			continue
		}
		sum += pheromones[edgeKey(i, n)]
	}
	return sum
}

// evaporate 全局信息素挥发
func evaporate(pheromones map[string]float64, rate float64) {
	for k, v := range pheromones {
		v *= 1 - rate
		if v < 1e-6 {
			delete(pheromones, k)
			continue
		}
		pheromones[k] = v
	}
}

func namedPosition(dims []string, position []float64) map[string]float64 {
	out := make(map[string]float64, len(dims))
	for d, name := range dims {
		if d < len(position) {
			out[name] = position[d]
		}
	}
	return out
}

func (s *SwarmOrchestrator) remember(sol SwarmSolution) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	s.memory.Push(sol)
}

// CollectiveMemory 集体记忆快照：跨执行保留的历史最优解（从旧到新）
func (s *SwarmOrchestrator) CollectiveMemory() []SwarmSolution {
	s.memMu.RLock()
	defer s.memMu.RUnlock()
	return s.memory.Snapshot()
}
