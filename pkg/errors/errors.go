// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Loom.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Loom errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeConnection indicates a transport-level failure reaching a
	// remote tool server. Retryable at the bridge's discretion.
	CodeConnection ErrorCode = "CONNECTION_ERROR"

	// CodeAuth indicates credential rejection. Fatal for the session.
	CodeAuth ErrorCode = "AUTH_ERROR"

	// CodeToolNotFound indicates a tool name resolved to nothing.
	CodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// CodeValidation indicates malformed tool arguments.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeBackend indicates a model-call failure.
	CodeBackend ErrorCode = "BACKEND_ERROR"

	// CodeCancelled indicates a turn aborted by caller request.
	CodeCancelled ErrorCode = "CANCELLED"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeDuplicateTool indicates a registry name collision.
	CodeDuplicateTool ErrorCode = "DUPLICATE_TOOL"
)

// LoomError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type LoomError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *LoomError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *LoomError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *LoomError) MarshalJSON() ([]byte, error) {
	type Alias LoomError
	return json.Marshal(&struct {
		Message     string `json:"message"`
		Code        string `json:"code"`
		Err         string `json:"error,omitempty"`
		Recoverable bool   `json:"recoverable"`
		*Alias
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         fmt.Sprintf("%v", e.Err),
		Recoverable: e.Recoverable,
		Alias:       (*Alias)(e),
	})
}

// New creates a new LoomError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *LoomError {
	return &LoomError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *LoomError) WithContext(key string, value interface{}) *LoomError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *LoomError) WithRecoverable(recoverable bool) *LoomError {
	e.Recoverable = recoverable
	return e
}

// AsLoomError attempts to convert an error to a LoomError.
// Returns the error as LoomError if it is one, or wraps it otherwise.
func AsLoomError(err error) *LoomError {
	if err == nil {
		return nil
	}
	if le, ok := err.(*LoomError); ok {
		return le
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the classification of err, or CodeInternal when err
// carries no LoomError in its chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsLoomError(err).Code
}

// HasCode reports whether err is a LoomError with the given code.
func HasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	le, ok := err.(*LoomError)
	return ok && le.Code == code
}
