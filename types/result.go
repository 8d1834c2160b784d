package types

import (
	"sync"
	"time"
)

// ExecutionStatus 执行状态
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusTimeout   ExecutionStatus = "timeout"
)

// IsTerminal 终态判断：终态一经写入不再变更
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// ExecutionResult 一次编排执行的结构化结果
// 由拥有它的策略独占写入；终态后只读
type ExecutionResult struct {
	ExecutionID       string             `json:"execution_id"`
	OrchestrationType string             `json:"orchestration_type"`
	Status            ExecutionStatus    `json:"status"`
	StartTime         time.Time          `json:"start_time"`
	EndTime           time.Time          `json:"end_time,omitempty"`
	Results           map[string]any     `json:"results"`
	Error             string             `json:"error,omitempty"`
	Metrics           map[string]float64 `json:"metrics"`

	mu sync.Mutex
}

// NewExecutionResult 创建初始为 running 的执行结果
func NewExecutionResult(executionID, orchestrationType string) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID:       executionID,
		OrchestrationType: orchestrationType,
		Status:            StatusRunning,
		StartTime:         time.Now(),
		Results:           make(map[string]any),
		Metrics:           make(map[string]float64),
	}
}

// SetResult 写入单个 agent 的结果
func (r *ExecutionResult) SetResult(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.IsTerminal() {
		return
	}
	r.Results[key] = value
}

// SetMetric 写入单个指标
func (r *ExecutionResult) SetMetric(key string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.IsTerminal() {
		return
	}
	r.Metrics[key] = value
}

// MarkCompleted 标记完成（已终态时 no-op）
func (r *ExecutionResult) MarkCompleted() {
	r.finish(StatusCompleted, "")
}

// MarkFailed 标记失败并记录错误信息
func (r *ExecutionResult) MarkFailed(errMsg string) {
	r.finish(StatusFailed, errMsg)
}

// MarkCancelled 标记取消
func (r *ExecutionResult) MarkCancelled() {
	r.finish(StatusCancelled, "execution cancelled")
}

// MarkTimeout 标记超时
func (r *ExecutionResult) MarkTimeout() {
	r.finish(StatusTimeout, "execution timed out")
}

func (r *ExecutionResult) finish(status ExecutionStatus, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status.IsTerminal() {
		return
	}
	r.Status = status
	r.EndTime = time.Now()
	if errMsg != "" {
		r.Error = errMsg
	}
}

// CurrentStatus 并发安全地读取状态
func (r *ExecutionResult) CurrentStatus() ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// Snapshot 返回结果的浅拷贝，供只读内省使用
func (r *ExecutionResult) Snapshot() ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make(map[string]any, len(r.Results))
	for k, v := range r.Results {
		results[k] = v
	}
	metrics := make(map[string]float64, len(r.Metrics))
	for k, v := range r.Metrics {
		metrics[k] = v
	}
	return ExecutionResult{
		ExecutionID:       r.ExecutionID,
		OrchestrationType: r.OrchestrationType,
		Status:            r.Status,
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
		Results:           results,
		Error:             r.Error,
		Metrics:           metrics,
	}
}

// Duration 执行耗时；未结束时返回到当前时刻的耗时
func (r *ExecutionResult) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// ValidationResult 配置校验结果；产出后不再修改
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

// NewValidationResult 创建初始为有效的校验结果
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:       true,
		Errors:      []string{},
		Warnings:    []string{},
		Suggestions: []string{},
	}
}

// AddError 追加错误并置为无效
func (v *ValidationResult) AddError(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

// AddWarning 追加警告（不影响有效性）
func (v *ValidationResult) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// AddSuggestion 追加建议
func (v *ValidationResult) AddSuggestion(msg string) {
	v.Suggestions = append(v.Suggestions, msg)
}

// UpdateKind 流式更新类型
type UpdateKind string

const (
	UpdateProgress    UpdateKind = "progress"
	UpdateAgentStatus UpdateKind = "agent_status"
	UpdateResult      UpdateKind = "result"
	UpdateError       UpdateKind = "error"
)

// StreamingUpdate 流式执行的增量更新
// 不持久化，由调用方作为一次性有限序列消费
type StreamingUpdate struct {
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Kind        UpdateKind     `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewUpdate 创建一条带时间戳的更新
func NewUpdate(executionID string, kind UpdateKind, payload map[string]any) StreamingUpdate {
	return StreamingUpdate{
		ExecutionID: executionID,
		Timestamp:   time.Now(),
		Kind:        kind,
		Payload:     payload,
	}
}
