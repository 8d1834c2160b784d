package orchestration

import (
	"fmt"

	"github.com/BaSui01/agentorch/types"
)

// New 编排器工厂：模式名 → 策略实例
// 未知模式是编程错误，直接返回 UNKNOWN_PATTERN 硬失败。
// 新增模式只需增加一个策略类型与一个 case，调用方无需改动。
func New(pattern PatternType, deps Deps) (Orchestrator, error) {
	if deps.Invoker == nil {
		return nil, types.NewError(types.ErrValidation, "Deps.Invoker is required")
	}

	switch pattern {
	case PatternSequential:
		return newSequential(deps), nil
	case PatternParallel:
		return newParallel(deps), nil
	case PatternHierarchical:
		return newHierarchical(deps), nil
	case PatternConsensus:
		return newConsensus(deps), nil
	case PatternDynamicRouting:
		return newDynamicRouting(deps), nil
	case PatternSwarm:
		return newSwarm(deps), nil
	case PatternEventDriven:
		return newEventDriven(deps), nil
	case PatternReflection:
		return newReflection(deps), nil
	default:
		return nil, types.NewError(types.ErrUnknownPattern,
			fmt.Sprintf("unknown orchestration pattern: %q", pattern))
	}
}
