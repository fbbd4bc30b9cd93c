package entity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the pipeline's failure taxonomy. The state machine is the
// only component that maps kinds to retry policy; everything below it just
// classifies.
type ErrorKind string

const (
	// ErrKindValidation: bad input data. Reported to the caller, never
	// retried automatically.
	ErrKindValidation ErrorKind = "VALIDATION"
	// ErrKindEncoding: the codec cannot produce valid output, schema
	// violations included. Retried only after the invoice changes.
	ErrKindEncoding ErrorKind = "ENCODING"
	// ErrKindTransient: upstream instability (timeouts, 5xx, resets).
	// Retried with backoff, bounded by max attempts and the deadline.
	ErrKindTransient ErrorKind = "TRANSIENT"
	// ErrKindRateLimited: 429/backpressure. Retryable with a mandatory wait.
	ErrKindRateLimited ErrorKind = "RATE_LIMITED"
	// ErrKindRejected: upstream business rejection. Terminal for the
	// attempt; a new chain needs an explicit supersede.
	ErrKindRejected ErrorKind = "REJECTED"
	// ErrKindAuth: expired/invalid credential. Fatal, surfaced to an
	// operator, never silently retried.
	ErrKindAuth ErrorKind = "AUTH"
	// ErrKindTimeout: the gateway never reached a terminal status within
	// the configured wall-clock window.
	ErrKindTimeout ErrorKind = "TIMEOUT"
	// ErrKindInternal: anything else (storage faults etc.).
	ErrKindInternal ErrorKind = "INTERNAL"
)

// PipelineError is the typed result every pipeline component bubbles up to
// the state machine.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Details []string // e.g. offending fields, gateway error list
}

func (e *PipelineError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", strings.ToLower(string(e.Kind)), e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", strings.ToLower(string(e.Kind)), e.Message, strings.Join(e.Details, "; "))
}

// Retryable reports whether the kind may be retried without a content or
// operator change.
func (e *PipelineError) Retryable() bool {
	return e.Kind == ErrKindTransient || e.Kind == ErrKindRateLimited
}

// NewPipelineError builds a classified error.
func NewPipelineError(kind ErrorKind, msg string, details ...string) *PipelineError {
	return &PipelineError{Kind: kind, Message: msg, Details: details}
}

// Classify extracts the PipelineError from err, wrapping unknown errors as
// internal so the state machine always has a kind to decide on.
func Classify(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{Kind: ErrKindInternal, Message: err.Error()}
}
