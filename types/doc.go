// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供编排引擎的全局共享类型定义。

# 概述

types 包定义了编排引擎各层共用的值类型，不依赖引擎内任何其他包：

  - ExecutionResult / ExecutionStatus — 一次编排执行的结构化结果与状态机
  - ValidationResult — 配置校验结果（errors / warnings / suggestions）
  - StreamingUpdate — 流式执行的增量更新
  - AgentSpec / AgentInvoker — Agent 描述与唯一的外呼调用契约
  - Error / ErrorCode — 统一错误分类

# 状态机

ExecutionStatus 的终态（completed / failed / cancelled / timeout）一经写入
不再变更；Mark* 系列方法对已终态的结果是 no-op。
*/
package types
