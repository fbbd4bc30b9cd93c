package efactura

import (
	"context"
	"crypto/tls"

	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/tax"
)

// Outbound ports of the submission pipeline. Concrete adapters live under
// internal/infrastructure; tests inject fakes.

// Encoder is the codec's encoding half: snapshot + totals in, deterministic
// XML bytes + content hash out.
type Encoder interface {
	Encode(snap *entity.InvoiceSnapshot, totals *tax.InvoiceTotals) (xmlBytes []byte, contentHash string, err error)
}

// StatusDecoder is the codec's decoding half for raw gateway status bodies.
type StatusDecoder func(raw []byte) (*entity.StatusResult, error)

// Signer applies the qualified signature to an encoded document.
type Signer interface {
	Sign(xmlBytes []byte, cert tls.Certificate) ([]byte, error)
}

// Gateway is the clearance endpoint. Implementations classify every failure
// as a PipelineError and never retry on their own.
type Gateway interface {
	// Upload submits the signed XML; returns the gateway's upload index.
	Upload(ctx context.Context, xmlBytes []byte) (string, error)
	// CheckStatus fetches the raw processing status body for an upload index.
	CheckStatus(ctx context.Context, uploadIndex string) ([]byte, error)
}
