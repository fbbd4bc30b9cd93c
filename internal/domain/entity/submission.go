package entity

import (
	"time"
)

// Submission lifecycle states. One SubmissionRecord walks
// DRAFT → XML_READY → UPLOADING → UPLOADED → VALIDATING and ends in
// ACCEPTED, REJECTED, FATAL or CANCELLED. No transition skips states and
// terminal records are never mutated; a retry after REJECTED is a fresh
// record (new attempt chain) so the audit trail keeps every attempt.
type SubmissionState string

const (
	StateDraft      SubmissionState = "DRAFT"
	StateXMLReady   SubmissionState = "XML_READY"
	StateUploading  SubmissionState = "UPLOADING"
	StateUploaded   SubmissionState = "UPLOADED"
	StateValidating SubmissionState = "VALIDATING"
	StateAccepted   SubmissionState = "ACCEPTED"
	StateRejected   SubmissionState = "REJECTED"
	StateFatal      SubmissionState = "FATAL"
	StateCancelled  SubmissionState = "CANCELLED"
)

// Terminal reports whether the state retires the record.
func (s SubmissionState) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateFatal, StateCancelled:
		return true
	}
	return false
}

// SubmissionRecord is the state machine's own record of one submission
// attempt chain for an invoice. It is owned exclusively by the state
// machine; everything else sees only the Projection.
type SubmissionRecord struct {
	ID        string
	InvoiceID string

	State SubmissionState

	// XMLContent is the document as uploaded (signed when a certificate is
	// configured). ContentHash is the SHA-256 of the deterministic
	// pre-signature encoding: identical snapshot -> identical hash, which
	// is what makes "reuse previous XML" detection possible.
	XMLContent  []byte
	ContentHash string

	UploadIndex   string // gateway transient reference (index_incarcare)
	DownloadIndex string // gateway permanent reference (id_descarcare)

	// AttemptCount counts build and upload tries within this record.
	// Status polls do not count; the wall-clock deadline bounds those.
	AttemptCount int

	LastErrorKind    ErrorKind
	LastErrorMessage string
	// RejectionErrors preserves the gateway's rejection messages verbatim
	// for operator review.
	RejectionErrors []string

	// CancelRequested is set when a cancellation arrives after upload has
	// begun; the record still runs to a terminal gateway outcome so local
	// and remote state cannot diverge.
	CancelRequested bool

	// Supersedes links to the terminal record this attempt chain replaces.
	Supersedes string

	PollInterval time.Duration
	NextPollAt   time.Time
	DeadlineAt   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Projection is the denormalized view of a SubmissionRecord written onto
// the invoice record for listing/notification features.
type Projection struct {
	InvoiceID     string
	State         SubmissionState
	UploadIndex   string
	DownloadIndex string
	Message       string     // actionable detail; never a raw upstream dump
	NextCheckAt   *time.Time // estimated next poll, non-terminal states only
	UpdatedAt     time.Time
}

// GatewayState is the decoded status token of the gateway.
type GatewayState string

const (
	GatewayAccepted   GatewayState = "ACCEPTED"
	GatewayRejected   GatewayState = "REJECTED"
	GatewayProcessing GatewayState = "PROCESSING"
)

// StatusResult is the decoded body of a status-check response.
type StatusResult struct {
	State         GatewayState
	DownloadIndex string
	Errors        []string // rejection messages, verbatim
}
