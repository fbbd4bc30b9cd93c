package domain

import "errors"

// Domain errors (no external dependencies).
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict with current state")

	// ErrNoActiveSubmission: an operation needed a live submission
	// (cancel, step) and the invoice has none.
	ErrNoActiveSubmission = errors.New("invoice has no active submission")

	// ErrNotSupersedable: a new attempt chain was requested but the latest
	// submission is not in a state that allows it.
	ErrNotSupersedable = errors.New("latest submission cannot be superseded")
)
