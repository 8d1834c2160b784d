package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PatternPreset 一个具名的编排配置预设
// Config 即传给 Orchestrator.Execute 的配置 map，预设只做存取不做语义校验，
// 校验始终由对应模式的 ValidateConfiguration 负责。
type PatternPreset struct {
	// Name 预设名，文件内唯一
	Name string `yaml:"name"`
	// Pattern 编排模式名（sequential、parallel……）
	Pattern string `yaml:"pattern"`
	// Description 可选说明
	Description string `yaml:"description,omitempty"`
	// Config 编排配置
	Config map[string]any `yaml:"config"`
}

// presetFile 预设文件结构
type presetFile struct {
	Presets []PatternPreset `yaml:"presets"`
}

// LoadPresets 从 YAML 文件加载编排预设，按名字索引
func LoadPresets(path string) (map[string]PatternPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file %s: %w", path, err)
	}
	return ParsePresets(data)
}

// ParsePresets 解析预设内容
func ParsePresets(data []byte) (map[string]PatternPreset, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}

	presets := make(map[string]PatternPreset, len(file.Presets))
	for _, p := range file.Presets {
		if p.Name == "" {
			return nil, fmt.Errorf("preset with empty name")
		}
		if p.Pattern == "" {
			return nil, fmt.Errorf("preset %s: pattern is required", p.Name)
		}
		if _, dup := presets[p.Name]; dup {
			return nil, fmt.Errorf("duplicate preset name: %s", p.Name)
		}
		if p.Config == nil {
			p.Config = map[string]any{}
		}
		presets[p.Name] = p
	}
	return presets, nil
}

// Merge 预设配置与调用方覆盖合并，返回新 map
// 覆盖项优先；嵌套 map 递归合并，其余类型整体替换
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		ov, isMap := v.(map[string]any)
		bv, baseIsMap := out[k].(map[string]any)
		if isMap && baseIsMap {
			out[k] = Merge(bv, ov)
			continue
		}
		out[k] = v
	}
	return out
}
