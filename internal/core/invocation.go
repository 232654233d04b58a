package core

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// InvocationErrorKind classifies failures of an outbound agent call.
type InvocationErrorKind string

const (
	InvocationTimeout    InvocationErrorKind = "timeout"
	InvocationNetwork    InvocationErrorKind = "network"
	InvocationHTTPStatus InvocationErrorKind = "http_status"
	InvocationRemote     InvocationErrorKind = "remote_error"
	InvocationDecode     InvocationErrorKind = "decode"
)

// InvocationError is returned by an Invoker when a stage agent cannot be
// called or reports failure.
type InvocationError struct {
	Kind       InvocationErrorKind
	Stage      StageName
	URL        string
	StatusCode int
	Message    string
	// Body holds the raw response body (truncated) for diagnosis.
	Body string
	// Remote holds the error payload reported by the agent, if any.
	Remote json.RawMessage
	Cause  error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("invoking %s agent: %s (HTTP %d): %s", e.Stage, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("invoking %s agent: %s: %s", e.Stage, e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the call could succeed.
func (e *InvocationError) Retryable() bool {
	switch e.Kind {
	case InvocationTimeout, InvocationNetwork:
		return true
	case InvocationHTTPStatus:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// Category maps the invocation failure onto the domain error taxonomy.
func (e *InvocationError) Category() ErrorCategory {
	switch e.Kind {
	case InvocationTimeout:
		return ErrCatTimeout
	case InvocationNetwork:
		return ErrCatNetwork
	default:
		return ErrCatExecution
	}
}
