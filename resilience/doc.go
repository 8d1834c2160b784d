// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package resilience 提供保护单次 Agent 调用的弹性原语。

# 概述

三个原语相互独立，均可单独包装任意易失败操作：

  - CircuitBreaker — 三态熔断器（closed / open / half_open），支持连续失败、
    窗口失败率与慢调用率三种触发条件，底层由有界环形缓冲区支撑
  - Retryer — 带退避策略的重试器（fixed / exponential / linear / random）
  - TimeoutManager — 按执行跟踪的超时看门狗与资源采样器

# 状态机

熔断器只允许 closed→open→half_open→{closed|open} 转换，绝不跳过 half_open
直接恢复。open 状态下的拒绝单独计数（ResourceRejection），不计入失败。
*/
package resilience
