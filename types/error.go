package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Engine error codes
const (
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrWorker         ErrorCode = "WORKER_ERROR"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrResourceLimit  ErrorCode = "RESOURCE_LIMIT"
	ErrCancelled      ErrorCode = "CANCELLED"
	ErrUnknownPattern ErrorCode = "UNKNOWN_PATTERN"
	ErrSessionClosed  ErrorCode = "SESSION_CLOSED"
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	AgentID   string    `json:"agent_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithAgent attaches the failing agent's id.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WorkerError wraps a single agent call failure.
func WorkerError(agentID string, cause error) *Error {
	return &Error{
		Code:      ErrWorker,
		Message:   fmt.Sprintf("agent %s call failed", agentID),
		AgentID:   agentID,
		Retryable: true,
		Cause:     cause,
	}
}

// CodeOf extracts the ErrorCode from an error chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
