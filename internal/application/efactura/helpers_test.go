package efactura

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/contazen/efactura-api/internal/domain"
	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/tax"
	"github.com/contazen/efactura-api/internal/infrastructure/ubl"
	"github.com/contazen/efactura-api/pkg/logger"
)

// ── In-memory stores ──────────────────────────────────────────────────────────

type memSubmissions struct {
	mu   sync.Mutex
	recs []*entity.SubmissionRecord
	seq  int
}

func (m *memSubmissions) Create(_ context.Context, rec *entity.SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.InvoiceID == rec.InvoiceID && !r.State.Terminal() {
			return fmt.Errorf("active submission exists: %w", domain.ErrConflict)
		}
	}
	m.seq++
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("sub-%d", m.seq)
	}
	cp := *rec
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *memSubmissions) Update(_ context.Context, rec *entity.SubmissionRecord) error {
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

func (m *memSubmissions) GetActiveByInvoice(_ context.Context, invoiceID string) (*entity.SubmissionRecord, error) {
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

func (m *memSubmissions) GetLatestByInvoice(_ context.Context, invoiceID string) (*entity.SubmissionRecord, error) {
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

func (m *memSubmissions) ListDue(_ context.Context, now time.Time, limit int) ([]*entity.SubmissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.SubmissionRecord
	for _, r := range m.recs {
		if !r.State.Terminal() && !r.NextPollAt.After(now) {
			cp := *r
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type memInvoices struct {
	mu        sync.Mutex
	snapshots map[string]*entity.InvoiceSnapshot
	// loadErrs is a queue of injected LoadSnapshot failures, consumed one
	// per call before the store recovers.
	loadErrs    []error
	projections []entity.Projection
}

func (m *memInvoices) LoadSnapshot(_ context.Context, invoiceID string) (*entity.InvoiceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.loadErrs) > 0 {
		err := m.loadErrs[0]
		m.loadErrs = m.loadErrs[1:]
		return nil, err
	}
	snap, ok := m.snapshots[invoiceID]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, domain.ErrNotFound)
	}
	cp := *snap
	return &cp, nil
}

func (m *memInvoices) PersistProjection(_ context.Context, p *entity.Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projections = append(m.projections, *p)
	return nil
}

func (m *memInvoices) lastProjection() *entity.Projection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.projections) == 0 {
		return nil
	}
	p := m.projections[len(m.projections)-1]
	return &p
}

// ── Scripted gateway ──────────────────────────────────────────────────────────

// scriptedGateway replays queued responses; the last entry of each queue
// repeats once the queue is drained.
type scriptedGateway struct {
	mu           sync.Mutex
	uploadBodies [][]byte
	uploadQueue  []func() (string, error)
	statusCalls  int
	statusQueue  []func() ([]byte, error)
}

func (g *scriptedGateway) Upload(_ context.Context, xmlBytes []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	body := make([]byte, len(xmlBytes))
	copy(body, xmlBytes)
	g.uploadBodies = append(g.uploadBodies, body)
	if len(g.uploadQueue) == 0 {
		return "", entity.NewPipelineError(entity.ErrKindInternal, "no scripted upload response")
	}
	fn := g.uploadQueue[0]
	if len(g.uploadQueue) > 1 {
		g.uploadQueue = g.uploadQueue[1:]
	}
	return fn()
}

func (g *scriptedGateway) CheckStatus(_ context.Context, _ string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if len(g.statusQueue) == 0 {
		return nil, entity.NewPipelineError(entity.ErrKindInternal, "no scripted status response")
	}
	fn := g.statusQueue[0]
	if len(g.statusQueue) > 1 {
		g.statusQueue = g.statusQueue[1:]
	}
	return fn()
}

func uploadOK(index string) func() (string, error) {
	return func() (string, error) { return index, nil }
}

func uploadErr(kind entity.ErrorKind, msg string) func() (string, error) {
	return func() (string, error) { return "", entity.NewPipelineError(kind, msg) }
}

func statusProcessing() func() ([]byte, error) {
	return func() ([]byte, error) {
		return []byte(`<header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="in prelucrare"/>`), nil
	}
}

func statusAccepted(downloadIndex string) func() ([]byte, error) {
	return func() ([]byte, error) {
		return []byte(`<header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="ok" id_descarcare="` + downloadIndex + `"/>`), nil
	}
}

func statusRejected(messages ...string) func() ([]byte, error) {
	return func() ([]byte, error) {
		body := `<header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="nok">`
		for _, m := range messages {
			body += `<Errors errorMessage="` + m + `"/>`
		}
		body += `</header>`
		return []byte(body), nil
	}
}

func statusUnknown() func() ([]byte, error) {
	return func() ([]byte, error) {
		return []byte(`<header xmlns="mfp:anaf:dgti:efactura:stareMesajFactura:v1" stare="weird"/>`), nil
	}
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	svc  *Service
	subs *memSubmissions
	inv  *memInvoices
	gw   *scriptedGateway
	// clock is the fake wall clock; tests move it forward directly.
	clock time.Time
}

func testSnapshot(invoiceID string) *entity.InvoiceSnapshot {
	return &entity.InvoiceSnapshot{
		InvoiceID: invoiceID,
		Series:    "CTZ",
		Number:    "0042",
		IssueDate: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Currency:  "RON",
		Supplier:  entity.Party{TaxID: "RO12345678", Name: "Contazen SRL", Address: "Str. Exemplu 1", City: "Bucuresti"},
		Customer:  entity.Party{TaxID: "87654321", Name: "Client SRL", Address: "Str. Client 2", City: "Cluj-Napoca"},
		Lines: []entity.LineItem{
			{
				Description:    "Servicii",
				Classification: "72000000-5",
				Quantity:       decimal.NewFromInt(1),
				UnitPrice:      decimal.NewFromInt(100),
				VATRate:        decimal.NewFromInt(21),
			},
		},
	}
}

func newHarness(cfg Config) *harness {
	h := &harness{
		subs:  &memSubmissions{},
		inv:   &memInvoices{snapshots: map[string]*entity.InvoiceSnapshot{"inv-1": testSnapshot("inv-1")}},
		gw:    &scriptedGateway{},
		clock: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	engine := tax.NewEngine([]decimal.Decimal{
		decimal.Zero, decimal.NewFromInt(5), decimal.NewFromInt(11), decimal.NewFromInt(21),
	}, "RON")
	log := logger.New(logger.Config{Env: "production", Level: "error"})
	h.svc = NewService(h.subs, h.inv, engine, ubl.NewEncoder(false),
		ubl.DecodeStatus, nil, tls.Certificate{}, h.gw, cfg, log)
	h.svc.now = func() time.Time { return h.clock }
	h.svc.jitter = func(d time.Duration) time.Duration { return d }
	h.svc.spawn = func(string) {} // tests drive Step explicitly
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) active(invoiceID string) *entity.SubmissionRecord {
	rec, _ := h.subs.GetActiveByInvoice(context.Background(), invoiceID)
	return rec
}

func (h *harness) latest(invoiceID string) *entity.SubmissionRecord {
	rec, _ := h.subs.GetLatestByInvoice(context.Background(), invoiceID)
	return rec
}
