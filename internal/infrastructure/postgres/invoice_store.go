package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/contazen/efactura-api/internal/domain"
	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/repository"
)

var _ repository.InvoiceStore = (*InvoiceStoreRepo)(nil)

// InvoiceStoreRepo reads invoice snapshots and writes back the submission
// projection (usable with pool or tx).
type InvoiceStoreRepo struct {
	q Querier
}

// NewInvoiceStore builds the adapter. Pass a pool or tx (Querier).
func NewInvoiceStore(q Querier) *InvoiceStoreRepo {
	return &InvoiceStoreRepo{q: q}
}

// LoadSnapshot reads the invoice header, both parties and the ordered lines
// into an immutable snapshot.
func (r *InvoiceStoreRepo) LoadSnapshot(ctx context.Context, invoiceID string) (*entity.InvoiceSnapshot, error) {
	headerQuery := `
		SELECT i.id, i.series, i.number, i.issue_date, i.due_date,
		       i.currency, i.exchange_rate, i.discount, i.notes,
		       s.tax_id, s.name, s.address, s.city, s.county,
		       c.tax_id, c.name, c.address, c.city, c.county
		FROM invoices i
		JOIN companies s ON s.id = i.company_id
		JOIN customers c ON c.id = i.customer_id
		WHERE i.id = $1`

	snap := entity.InvoiceSnapshot{TakenAt: time.Now().UTC()}
	var series, notes *string
	var dueDate *time.Time
	var supCounty, cusCounty *string
	err := r.q.QueryRow(ctx, headerQuery, invoiceID).Scan(
		&snap.InvoiceID, &series, &snap.Number, &snap.IssueDate, &dueDate,
		&snap.Currency, &snap.ExchangeRate, &snap.Discount, &notes,
		&snap.Supplier.TaxID, &snap.Supplier.Name, &snap.Supplier.Address,
		&snap.Supplier.City, &supCounty,
		&snap.Customer.TaxID, &snap.Customer.Name, &snap.Customer.Address,
		&snap.Customer.City, &cusCounty,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("invoice %s: %w", invoiceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load invoice: %w", err)
	}
	snap.Series = derefStr(series)
	snap.Notes = derefStr(notes)
	snap.DueDate = dueDate
	snap.Supplier.County = derefStr(supCounty)
	snap.Customer.County = derefStr(cusCounty)

	linesQuery := `
		SELECT description, classification, unit_code,
		       quantity, unit_price, vat_rate, discount, discount_kind
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY position ASC`
	rows, err := r.q.Query(ctx, linesQuery, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line entity.LineItem
		var unitCode, discountKind *string
		if err := rows.Scan(
			&line.Description, &line.Classification, &unitCode,
			&line.Quantity, &line.UnitPrice, &line.VATRate,
			&line.Discount, &discountKind,
		); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		line.UnitCode = derefStr(unitCode)
		line.DiscountKind = entity.DiscountKind(derefStr(discountKind))
		snap.Lines = append(snap.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice lines: %w", err)
	}
	return &snap, nil
}

// PersistProjection writes the denormalized e-Factura columns onto the
// invoice. Indices only ever move forward (COALESCE keeps earlier values),
// so a replayed transition cannot erase them.
func (r *InvoiceStoreRepo) PersistProjection(ctx context.Context, p *entity.Projection) error {
	query := `
		UPDATE invoices
		SET efactura_state          = $2,
		    efactura_upload_index   = COALESCE($3, efactura_upload_index),
		    efactura_download_index = COALESCE($4, efactura_download_index),
		    efactura_message        = $5,
		    efactura_next_check_at  = $6,
		    efactura_updated_at     = $7
		WHERE id = $1`
	tag, err := r.q.Exec(ctx, query,
		p.InvoiceID, string(p.State),
		nullIfEmpty(p.UploadIndex), nullIfEmpty(p.DownloadIndex),
		nullIfEmpty(p.Message), p.NextCheckAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist projection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persist projection for %s: %w", p.InvoiceID, domain.ErrNotFound)
	}
	return nil
}
