package http_test

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contazen/efactura-api/internal/application/dto"
	"github.com/contazen/efactura-api/internal/application/efactura"
	"github.com/contazen/efactura-api/internal/domain"
	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/tax"
	"github.com/contazen/efactura-api/internal/infrastructure/ubl"
	httpiface "github.com/contazen/efactura-api/internal/interfaces/http"
	"github.com/contazen/efactura-api/pkg/logger"
)

// ── minimal fakes ─────────────────────────────────────────────────────────────

type stubSubmissions struct {
	mu   sync.Mutex
	recs []*entity.SubmissionRecord
	seq  int
}

func (m *stubSubmissions) Create(_ context.Context, rec *entity.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec.ID = fmt.Sprintf("sub-%d", m.seq)
	cp := *rec
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *stubSubmissions) Update(_ context.Context, rec *entity.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.recs {
		if r.ID == rec.ID {
			cp := *rec
			m.recs[i] = &cp
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *stubSubmissions) GetActiveByInvoice(_ context.Context, invoiceID string) (*entity.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].InvoiceID == invoiceID && !m.recs[i].State.Terminal() {
			cp := *m.recs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *stubSubmissions) GetLatestByInvoice(_ context.Context, invoiceID string) (*entity.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].InvoiceID == invoiceID {
			cp := *m.recs[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *stubSubmissions) ListDue(context.Context, time.Time, int) ([]*entity.SubmissionRecord, error) {
	return nil, nil
}

type stubInvoices struct{}

func (stubInvoices) LoadSnapshot(_ context.Context, invoiceID string) (*entity.InvoiceSnapshot, error) {
	if invoiceID != "inv-1" {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, domain.ErrNotFound)
	}
	return &entity.InvoiceSnapshot{
		InvoiceID: "inv-1",
		Number:    "0042",
		IssueDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Currency:  "RON",
		Supplier:  entity.Party{TaxID: "RO12345678", Name: "Contazen SRL", Address: "Str. 1", City: "Bucuresti"},
		Customer:  entity.Party{TaxID: "87654321", Name: "Client SRL", Address: "Str. 2", City: "Cluj"},
		Lines: []entity.LineItem{{
			Description:    "Servicii",
			Classification: "72000000-5",
			Quantity:       decimal.NewFromInt(1),
			UnitPrice:      decimal.NewFromInt(100),
			VATRate:        decimal.NewFromInt(21),
		}},
	}, nil
}

func (stubInvoices) PersistProjection(context.Context, *entity.Projection) error { return nil }

type idleGateway struct{}

func (idleGateway) Upload(context.Context, []byte) (string, error) { return "5001234", nil }
func (idleGateway) CheckStatus(context.Context, string) ([]byte, error) {
	return []byte(`<header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="in prelucrare"/>`), nil
}

func newTestApp() *fiber.App {
	engine := tax.NewEngine([]decimal.Decimal{decimal.NewFromInt(21)}, "RON")
	log := logger.New(logger.Config{Env: "production", Level: "error"})
	svc := efactura.NewService(&stubSubmissions{}, stubInvoices{}, engine,
		ubl.NewEncoder(false), ubl.DecodeStatus, nil, tls.Certificate{},
		idleGateway{}, efactura.Config{}, log)

	app := fiber.New()
	httpiface.Router(app, httpiface.RouterDeps{Efactura: svc})
	return app
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSubmit_Returns202WithProjection(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/invoices/inv-1/efactura", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var body dto.SubmissionStatusResponse
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "inv-1", body.InvoiceID)
	assert.NotEmpty(t, body.State)
}

func TestStatus_UnknownInvoiceReturns404(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/invoices/nope/efactura", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	var body dto.ErrorResponse
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "NO_SUBMISSION", body.Code)
}

func TestCancel_WithoutActiveSubmissionReturns404(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/invoices/inv-1/efactura/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSupersede_WithoutTerminalChainReturns409(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/invoices/inv-1/efactura/supersede", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}
