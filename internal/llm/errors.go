package llm

import (
	"errors"
	"fmt"
	"time"
)

// Failure reasons reported by transports.
const (
	ReasonRateLimited  = "rate_limited"
	ReasonOverloaded   = "overloaded"
	ReasonInvalidAuth  = "invalid_auth"
	ReasonBadRequest   = "bad_request"
	ReasonTimeout      = "timeout"
	ReasonUnavailable  = "unavailable"
	ReasonUnclassified = "unclassified"
)

// TransportError is a classified provider failure. It carries a
// machine-readable reason and optional retry metadata.
type TransportError struct {
	Reason     string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Reason, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError classifies a provider failure.
func NewTransportError(reason, message string, err error) *TransportError {
	return &TransportError{
		Reason:    reason,
		Message:   message,
		Retryable: reason == ReasonRateLimited || reason == ReasonOverloaded || reason == ReasonTimeout || reason == ReasonUnavailable,
		Err:       err,
	}
}

// ReasonOf extracts the failure reason of a transport error, or
// ReasonUnclassified for other errors.
func ReasonOf(err error) string {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Reason
	}
	return ReasonUnclassified
}
