package repository

import (
	"context"
	"time"

	"github.com/contazen/efactura-api/internal/domain/entity"
)

// SubmissionStore persists SubmissionRecords. Only the state machine
// writes through it; every Update covers one atomic transition.
type SubmissionStore interface {
	Create(ctx context.Context, rec *entity.SubmissionRecord) error
	Update(ctx context.Context, rec *entity.SubmissionRecord) error
	// GetActiveByInvoice returns the single non-terminal record for the
	// invoice, or nil when there is none.
	GetActiveByInvoice(ctx context.Context, invoiceID string) (*entity.SubmissionRecord, error)
	// GetLatestByInvoice returns the most recent record regardless of
	// state, or nil.
	GetLatestByInvoice(ctx context.Context, invoiceID string) (*entity.SubmissionRecord, error)
	// ListDue returns non-terminal records whose next_poll_at has passed,
	// oldest first, capped at limit. Terminal records are never returned.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*entity.SubmissionRecord, error)
}
