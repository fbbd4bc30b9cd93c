package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/contazen/efactura-api/internal/domain"
	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/repository"
)

var _ repository.SubmissionStore = (*SubmissionRepo)(nil)

// SubmissionRepo persists SubmissionRecords (usable with pool or tx).
// A partial unique index on invoice_id over non-terminal states backs the
// single-active-submission invariant, so double entry loses at the database
// even across processes.
type SubmissionRepo struct {
	q Querier
}

// NewSubmissionRepository builds the adapter. Pass a pool or tx (Querier).
func NewSubmissionRepository(q Querier) *SubmissionRepo {
	return &SubmissionRepo{q: q}
}

const submissionColumns = `
	id, invoice_id, state, xml_content, content_hash,
	upload_index, download_index, attempt_count,
	last_error_kind, last_error_message, rejection_errors,
	cancel_requested, supersedes,
	poll_interval_ms, next_poll_at, deadline_at,
	created_at, updated_at`

// Create inserts a fresh submission record.
func (r *SubmissionRepo) Create(ctx context.Context, rec *entity.SubmissionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	query := `
		INSERT INTO efactura_submissions (` + submissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := r.q.Exec(ctx, query,
		rec.ID, rec.InvoiceID, string(rec.State), rec.XMLContent, nullIfEmpty(rec.ContentHash),
		nullIfEmpty(rec.UploadIndex), nullIfEmpty(rec.DownloadIndex), rec.AttemptCount,
		nullIfEmpty(string(rec.LastErrorKind)), nullIfEmpty(rec.LastErrorMessage), rec.RejectionErrors,
		rec.CancelRequested, nullIfEmpty(rec.Supersedes),
		rec.PollInterval.Milliseconds(), rec.NextPollAt, rec.DeadlineAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active submission already exists for invoice %s: %w",
				rec.InvoiceID, domain.ErrConflict)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// Update rewrites the full record. Each call covers exactly one state
// machine transition.
func (r *SubmissionRepo) Update(ctx context.Context, rec *entity.SubmissionRecord) error {
	query := `
		UPDATE efactura_submissions
		SET state              = $2,
		    xml_content        = $3,
		    content_hash       = COALESCE($4, content_hash),
		    upload_index       = COALESCE($5, upload_index),
		    download_index     = COALESCE($6, download_index),
		    attempt_count      = $7,
		    last_error_kind    = $8,
		    last_error_message = $9,
		    rejection_errors   = $10,
		    cancel_requested   = $11,
		    poll_interval_ms   = $12,
		    next_poll_at       = $13,
		    updated_at         = $14
		WHERE id = $1`
	tag, err := r.q.Exec(ctx, query,
		rec.ID, string(rec.State), rec.XMLContent, nullIfEmpty(rec.ContentHash),
		nullIfEmpty(rec.UploadIndex), nullIfEmpty(rec.DownloadIndex), rec.AttemptCount,
		nullIfEmpty(string(rec.LastErrorKind)), nullIfEmpty(rec.LastErrorMessage), rec.RejectionErrors,
		rec.CancelRequested,
		rec.PollInterval.Milliseconds(), rec.NextPollAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update submission %s: %w", rec.ID, domain.ErrNotFound)
	}
	return nil
}

// GetActiveByInvoice returns the single non-terminal record for the
// invoice, or nil when there is none.
func (r *SubmissionRepo) GetActiveByInvoice(ctx context.Context, invoiceID string) (*entity.SubmissionRecord, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM efactura_submissions
		WHERE invoice_id = $1
		  AND state NOT IN ('ACCEPTED', 'REJECTED', 'FATAL', 'CANCELLED')
		ORDER BY created_at DESC
		LIMIT 1`
	return r.scanOne(r.q.QueryRow(ctx, query, invoiceID))
}

// GetLatestByInvoice returns the most recent record regardless of state,
// or nil.
func (r *SubmissionRepo) GetLatestByInvoice(ctx context.Context, invoiceID string) (*entity.SubmissionRecord, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM efactura_submissions
		WHERE invoice_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return r.scanOne(r.q.QueryRow(ctx, query, invoiceID))
}

// ListDue returns non-terminal records whose next_poll_at has passed,
// oldest first.
func (r *SubmissionRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*entity.SubmissionRecord, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM efactura_submissions
		WHERE state NOT IN ('ACCEPTED', 'REJECTED', 'FATAL', 'CANCELLED')
		  AND next_poll_at <= $1
		ORDER BY next_poll_at ASC
		LIMIT $2`
	rows, err := r.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due submissions: %w", err)
	}
	defer rows.Close()

	var out []*entity.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due submissions: %w", err)
	}
	return out, nil
}

func (r *SubmissionRepo) scanOne(row pgx.Row) (*entity.SubmissionRecord, error) {
	rec, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func scanSubmission(row pgx.Row) (*entity.SubmissionRecord, error) {
	var rec entity.SubmissionRecord
	var state string
	var contentHash, uploadIndex, downloadIndex, errKind, errMsg, supersedes *string
	var pollMs int64
	err := row.Scan(
		&rec.ID, &rec.InvoiceID, &state, &rec.XMLContent, &contentHash,
		&uploadIndex, &downloadIndex, &rec.AttemptCount,
		&errKind, &errMsg, &rec.RejectionErrors,
		&rec.CancelRequested, &supersedes,
		&pollMs, &rec.NextPollAt, &rec.DeadlineAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan submission: %w", err)
	}
	rec.State = entity.SubmissionState(state)
	rec.ContentHash = derefStr(contentHash)
	rec.UploadIndex = derefStr(uploadIndex)
	rec.DownloadIndex = derefStr(downloadIndex)
	rec.LastErrorKind = entity.ErrorKind(derefStr(errKind))
	rec.LastErrorMessage = derefStr(errMsg)
	rec.Supersedes = derefStr(supersedes)
	rec.PollInterval = time.Duration(pollMs) * time.Millisecond
	return &rec, nil
}
