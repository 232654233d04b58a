package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Stage failure (remote error, bad output)
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatNetwork    ErrorCategory = "network"    // Network connectivity
	ErrCatState      ErrorCategory = "state"      // Invalid transition / state corruption
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification / stale status
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrExecution creates an execution error. Execution errors are fatal to
// the run and not retryable unless the caller says otherwise.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatExecution,
		Code:     code,
		Message:  message,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     code,
		Message:  message,
	}
}

// ErrConfig creates an internal error for a server misconfiguration found
// while serving a request.
func ErrConfig(message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     CodeInvalidConfig,
		Message:  message,
	}
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     CodeInternal,
		Message:  message,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Retryable()
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Category()
	}
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// IsNotFound reports whether err is a not-found domain error.
func IsNotFound(err error) bool {
	return err != nil && IsCategory(err, ErrCatNotFound)
}

// IsConflict reports whether err is a conflict domain error.
func IsConflict(err error) bool {
	return err != nil && IsCategory(err, ErrCatConflict)
}

// Predefined error codes
const (
	CodeNotFound  = "NOT_FOUND"
	CodeTimeout   = "TIMEOUT"
	CodeInternal  = "INTERNAL"
	CodeCancelled = "CANCELLED"

	// Validation error codes
	CodeEmptyTopic      = "EMPTY_TOPIC"
	CodeTopicTooLong    = "TOPIC_TOO_LONG"
	CodeInvalidURL      = "INVALID_TARGET_URL"
	CodeInvalidVariant  = "INVALID_VARIANT"
	CodeInvalidDecision = "INVALID_DECISION"
	CodeInvalidConfig   = "INVALID_CONFIG"

	// State / conflict codes
	CodeRunExists          = "RUN_EXISTS"
	CodeStatusMismatch     = "STATUS_MISMATCH"
	CodeNotPendingApproval = "NOT_PENDING_APPROVAL"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeResultExists       = "STAGE_RESULT_EXISTS"
	CodeStepFinalized      = "STEP_FINALIZED"
	CodeRunTerminal        = "RUN_TERMINAL"

	// Execution error codes
	CodeStageFailed   = "STAGE_FAILED"
	CodeOutputInvalid = "OUTPUT_INVALID"
	CodeUnknownStage  = "UNKNOWN_STAGE"
)
