// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package eventbus 提供事件驱动编排使用的发布/订阅契约。

引擎只定义按事件类型字符串订阅与分发的语义，不约定传输方式：

  - InMemoryBus — 进程内缓冲分发，默认实现
  - RedisBus — 基于 Redis Pub/Sub 的适配器，用于事件来源于进程外的部署

两者实现同一个 Bus 接口，事件驱动编排对具体实现无感知。
*/
package eventbus
