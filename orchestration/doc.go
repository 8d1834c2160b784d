// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package orchestration 提供多 Agent 编排与弹性执行引擎。

# 概述

orchestration 包实现八种编排模式，统一通过 Factory 构造：

  - sequential      — 按优先级顺序执行，输出串联，失败即中止
  - parallel        — 并发扇出，单 Agent 失败隔离，结果聚合
  - hierarchical    — manager / worker / critic 三段式
  - consensus       — 多轮投票决策（简单多数 / 加权 / 全体一致 / 绝对多数）
  - dynamic_routing — 基于性能评分的自适应路由
  - swarm           — 粒子群式集体搜索（信息素、多样性收敛）
  - event_driven    — 触发器驱动的事件响应
  - reflection      — 分阶段执行 + 趋势洞察 + 改进计划

# 契约

每种模式实现 Orchestrator 接口：ValidateConfiguration 为纯函数，不产生
任何副作用；Execute 返回结构化 ExecutionResult；ExecuteAsync 将所有失败
折叠进结果而不向外抛出；ExecuteStreaming 产出一次性的增量更新序列。

取消是协作式的，只向下传播一层：取消一次编排会取消其未完成的 Agent
调用，但不会触达 worker 内部的并发。

# 弹性

Agent 调用可按配置包装重试、熔断与调用级超时（resilience 包），配置键：

	"retry":           {"max_attempts": 3, "strategy": "exponential", ...}
	"circuit_breaker": {"enabled": true, "failure_threshold": 5, ...}
	"call_timeout":    30

熔断拒绝（ResourceRejection）单独归类，不计入 worker 失败。
*/
package orchestration
