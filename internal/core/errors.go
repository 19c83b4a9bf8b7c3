package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies terminal and recoverable failures across the core.
type ErrorCode string

const (
	// CodeEmptyPrompt indicates a statement or task with no instructions.
	// No model call is made for these.
	CodeEmptyPrompt ErrorCode = "EMPTY_PROMPT"
	// CodeLLM indicates a provider or transport failure.
	CodeLLM ErrorCode = "LLM_ERROR"
	// CodeTool indicates a tool failure. Tool failures are non-fatal and
	// become tool-result content for the next turn.
	CodeTool ErrorCode = "TOOL_ERROR"
	// CodeResponseHandling indicates a mid-loop failure on a non-final turn.
	CodeResponseHandling ErrorCode = "RESPONSE_HANDLING"
	// CodeNotFound indicates an unknown interaction or collaboration id.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeThresholdExceeded is the terminal state of the continue-on-error
	// delegation strategy.
	CodeThresholdExceeded ErrorCode = "THRESHOLD_EXCEEDED"
	// CodeMaxRetriesExceeded is the terminal state of the retry delegation
	// strategy.
	CodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
)

// Error is a classified core error. It carries a machine-readable code, a
// human-readable message, and optional retry metadata.
type Error struct {
	Code    ErrorCode
	Message string
	Retries int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error without losing the cause.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code from a classified error. It returns an
// empty code for nil or unclassified errors.
func CodeOf(err error) ErrorCode {
	var coreErr *Error
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}
