// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供编排引擎的配置管理。
//
// 包含引擎配置加载（YAML 文件 + 环境变量覆盖）、编排模式预设
// 与预设文件的轮询热重载。
package config
