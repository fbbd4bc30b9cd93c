package repository

import (
	"context"

	"github.com/contazen/efactura-api/internal/domain/entity"
)

// InvoiceStore is the pipeline's whole view of invoice persistence: read a
// snapshot, write back the submission projection. Invoice CRUD lives
// elsewhere and is none of this pipeline's business.
type InvoiceStore interface {
	// LoadSnapshot reads the invoice header and its ordered lines into an
	// immutable snapshot. Called once per submission attempt.
	LoadSnapshot(ctx context.Context, invoiceID string) (*entity.InvoiceSnapshot, error)
	// PersistProjection writes the denormalized e-Factura columns onto the
	// invoice record. Idempotent: writing the same terminal state twice
	// produces no observable difference.
	PersistProjection(ctx context.Context, p *entity.Projection) error
}
