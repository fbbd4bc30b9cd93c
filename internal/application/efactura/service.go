package efactura

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/contazen/efactura-api/internal/domain"
	"github.com/contazen/efactura-api/internal/domain/entity"
	"github.com/contazen/efactura-api/internal/domain/repository"
	"github.com/contazen/efactura-api/internal/domain/tax"
	"github.com/contazen/efactura-api/pkg/logger"
)

// Config tunes the submission pipeline.
type Config struct {
	// MaxAttempts bounds build/upload tries per submission record.
	MaxAttempts int
	// PollInitial is the first wait before polling and the base of the
	// exponential backoff.
	PollInitial time.Duration
	// PollMax caps the backoff interval.
	PollMax time.Duration
	// AttemptTimeout is the wall-clock budget of one submission record;
	// crossing it ends the record as FATAL/TIMEOUT.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 5 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 5 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 48 * time.Hour
	}
	return c
}

// Service drives one invoice submission through
// DRAFT → XML_READY → UPLOADING → UPLOADED → VALIDATING to a terminal
// state. It is the only writer of SubmissionRecords; the HTTP layer and the
// scheduler both go through it, serialized per invoice by a keyed mutex.
type Service struct {
	submissions repository.SubmissionStore
	invoices    repository.InvoiceStore
	engine      *tax.Engine
	encoder     Encoder
	decode      StatusDecoder
	signer      Signer // nil: upload unsigned (dev/test)
	cert        tls.Certificate
	gateway     Gateway
	cfg         Config
	log         *logger.Logger

	locks  *keyedMutex
	now    func() time.Time
	jitter func(d time.Duration) time.Duration
	spawn  func(invoiceID string)
}

// NewService wires the pipeline. signer may be nil when no certificate is
// configured.
func NewService(
	submissions repository.SubmissionStore,
	invoices repository.InvoiceStore,
	engine *tax.Engine,
	encoder Encoder,
	decode StatusDecoder,
	signer Signer,
	cert tls.Certificate,
	gateway Gateway,
	cfg Config,
	log *logger.Logger,
) *Service {
	s := &Service{
		submissions: submissions,
		invoices:    invoices,
		engine:      engine,
		encoder:     encoder,
		decode:      decode,
		signer:      signer,
		cert:        cert,
		gateway:     gateway,
		cfg:         cfg.withDefaults(),
		log:         log,
		locks:       newKeyedMutex(),
		now:         time.Now,
		jitter:      defaultJitter,
	}
	// First step runs off the HTTP path with its own context.
	s.spawn = func(invoiceID string) {
		go func() {
			stepCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.Step(stepCtx, invoiceID); err != nil {
				s.log.Error().Err(err).Str("invoice_id", invoiceID).Msg("first submission step")
			}
		}()
	}
	return s
}

// ── Public operations ─────────────────────────────────────────────────────────

// Submit starts (or re-joins) a submission for the invoice. Submitting an
// invoice that already has an active record returns that record's
// projection unchanged; no second chain is started. A terminal ACCEPTED,
// REJECTED or FATAL chain must be superseded explicitly.
func (s *Service) Submit(ctx context.Context, invoiceID string) (*entity.Projection, error) {
	unlock := s.locks.Lock(invoiceID)
	defer unlock()

	active, err := s.submissions.GetActiveByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return s.projectionOf(active), nil
	}

	latest, err := s.submissions.GetLatestByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.State != entity.StateCancelled {
		return nil, fmt.Errorf("invoice %s already has a %s submission, supersede it instead: %w",
			invoiceID, latest.State, domain.ErrConflict)
	}

	return s.startChain(ctx, invoiceID, "")
}

// Supersede retires a terminal chain and starts a fresh one linked to it.
// Used after a rejection was fixed or to replace an accepted document.
func (s *Service) Supersede(ctx context.Context, invoiceID string) (*entity.Projection, error) {
	unlock := s.locks.Lock(invoiceID)
	defer unlock()

	active, err := s.submissions.GetActiveByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("invoice %s still has an active submission: %w",
			invoiceID, domain.ErrConflict)
	}
	latest, err := s.submissions.GetLatestByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if latest == nil || !latest.State.Terminal() {
		return nil, fmt.Errorf("invoice %s has no terminal submission to supersede: %w",
			invoiceID, domain.ErrNotSupersedable)
	}

	return s.startChain(ctx, invoiceID, latest.ID)
}

// Cancel withdraws a submission. Before any upload the record ends as
// CANCELLED immediately; after upload the gateway already has the document,
// so the record is only flagged and still runs to its gateway outcome.
func (s *Service) Cancel(ctx context.Context, invoiceID string) (*entity.Projection, error) {
	unlock := s.locks.Lock(invoiceID)
	defer unlock()

	rec, err := s.submissions.GetActiveByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, domain.ErrNoActiveSubmission)
	}

	// DRAFT never reached the gateway no matter how many build tries
	// failed. XML_READY is only safe to end locally before the first
	// upload try: a failed try may still have delivered the document.
	switch {
	case rec.State == entity.StateDraft,
		rec.State == entity.StateXMLReady && rec.AttemptCount == 0:
		rec.State = entity.StateCancelled
		rec.LastErrorMessage = "cancelled before upload"
		if err := s.persist(ctx, rec); err != nil {
			return nil, err
		}
	default:
		rec.CancelRequested = true
		if err := s.persist(ctx, rec); err != nil {
			return nil, err
		}
	}
	return s.projectionOf(rec), nil
}

// Status returns the projection of the latest submission for the invoice.
func (s *Service) Status(ctx context.Context, invoiceID string) (*entity.Projection, error) {
	rec, err := s.submissions.GetLatestByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("invoice %s: %w", invoiceID, domain.ErrNoActiveSubmission)
	}
	return s.projectionOf(rec), nil
}

// ── State machine core ────────────────────────────────────────────────────────

// Step advances the invoice's active submission by at most one
// build/upload/poll action. Safe to call from anywhere at any time: the
// per-invoice lock and the state checks make redundant calls no-ops.
func (s *Service) Step(ctx context.Context, invoiceID string) error {
	unlock := s.locks.Lock(invoiceID)
	defer unlock()

	rec, err := s.submissions.GetActiveByInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if rec == nil || rec.State.Terminal() {
		return nil
	}

	if s.now().After(rec.DeadlineAt) {
		return s.fail(ctx, rec, entity.NewPipelineError(entity.ErrKindTimeout,
			fmt.Sprintf("no terminal gateway status within %s", s.cfg.AttemptTimeout)))
	}

	switch rec.State {
	case entity.StateDraft:
		ready, err := s.build(ctx, rec)
		if err != nil || !ready {
			return err
		}
		return s.upload(ctx, rec)
	case entity.StateXMLReady, entity.StateUploading:
		// A cancel is only honored locally while nothing was ever sent.
		// From the first upload try on the gateway may already hold the
		// document, so the flag stays deferred and the record runs on.
		if rec.CancelRequested && rec.AttemptCount == 0 {
			rec.State = entity.StateCancelled
			rec.LastErrorMessage = "cancelled before upload"
			return s.persist(ctx, rec)
		}
		// Refresh from the current snapshot: an invoice edited between
		// retries re-encodes, an unchanged one reuses the stored bytes.
		if rec.State == entity.StateXMLReady {
			ready, err := s.build(ctx, rec)
			if err != nil || !ready {
				return err
			}
		}
		return s.upload(ctx, rec)
	case entity.StateUploaded, entity.StateValidating:
		return s.poll(ctx, rec)
	}
	return nil
}

// startChain creates a DRAFT record and kicks the first step off the HTTP
// path, on its own context.
func (s *Service) startChain(ctx context.Context, invoiceID, supersedes string) (*entity.Projection, error) {
	now := s.now()
	rec := &entity.SubmissionRecord{
		InvoiceID:    invoiceID,
		State:        entity.StateDraft,
		Supersedes:   supersedes,
		PollInterval: s.cfg.PollInitial,
		NextPollAt:   now,
		DeadlineAt:   now.Add(s.cfg.AttemptTimeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.submissions.Create(ctx, rec); err != nil {
		return nil, err
	}
	proj := s.projectionOf(rec)
	if err := s.invoices.PersistProjection(ctx, proj); err != nil {
		s.log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("persist initial projection")
	}

	s.spawn(invoiceID)

	return proj, nil
}

// build takes the snapshot, computes tax, encodes and signs. When the
// content hash matches a previous build the stored XML is reused as-is, so
// an unchanged invoice is never re-signed between retries. Returns whether
// the record is ready for upload.
func (s *Service) build(ctx context.Context, rec *entity.SubmissionRecord) (bool, error) {
	snap, err := s.invoices.LoadSnapshot(ctx, rec.InvoiceID)
	if err != nil {
		return false, s.buildFailure(ctx, rec, entity.Classify(err))
	}
	totals, _, err := s.engine.Compute(snap)
	if err != nil {
		return false, s.buildFailure(ctx, rec, entity.Classify(err))
	}
	xmlBytes, hash, err := s.encoder.Encode(snap, totals)
	if err != nil {
		return false, s.buildFailure(ctx, rec, entity.Classify(err))
	}

	if hash != rec.ContentHash || len(rec.XMLContent) == 0 {
		upload := xmlBytes
		if s.signer != nil && len(s.cert.Certificate) > 0 {
			signed, err := s.signer.Sign(xmlBytes, s.cert)
			if err != nil {
				return false, s.buildFailure(ctx, rec, entity.NewPipelineError(entity.ErrKindInternal,
					"sign invoice: "+err.Error()))
			}
			upload = signed
		}
		rec.XMLContent = upload
		rec.ContentHash = hash
	}

	rec.State = entity.StateXMLReady
	rec.LastErrorKind = ""
	rec.LastErrorMessage = ""
	if err := s.persist(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// upload pushes the XML to the gateway. Each try counts against
// MaxAttempts; transient failures back off exponentially with jitter.
func (s *Service) upload(ctx context.Context, rec *entity.SubmissionRecord) error {
	rec.AttemptCount++
	rec.State = entity.StateUploading
	if err := s.persist(ctx, rec); err != nil {
		return err
	}

	uploadIndex, err := s.gateway.Upload(ctx, rec.XMLContent)
	if err != nil {
		return s.afterAttemptFailure(ctx, rec, entity.Classify(err), entity.StateXMLReady)
	}

	rec.State = entity.StateUploaded
	rec.UploadIndex = uploadIndex
	rec.LastErrorKind = ""
	rec.LastErrorMessage = ""
	rec.PollInterval = s.cfg.PollInitial
	rec.NextPollAt = s.now().Add(s.jitter(rec.PollInterval))
	s.log.Info().Str("invoice_id", rec.InvoiceID).Str("upload_index", uploadIndex).
		Int("attempt", rec.AttemptCount).Msg("invoice uploaded")
	return s.persist(ctx, rec)
}

// poll checks the gateway status once. Polls are bounded by the wall-clock
// deadline, not by MaxAttempts.
func (s *Service) poll(ctx context.Context, rec *entity.SubmissionRecord) error {
	rec.State = entity.StateValidating

	raw, err := s.gateway.CheckStatus(ctx, rec.UploadIndex)
	if err != nil {
		pe := entity.Classify(err)
		if pe.Retryable() {
			s.backoff(rec, pe)
			return s.persist(ctx, rec)
		}
		return s.fail(ctx, rec, pe)
	}

	result, err := s.decode(raw)
	if err != nil {
		// Protocol surprise (unknown status marker). Counted as an attempt
		// so a misbehaving gateway cannot keep the record alive forever.
		pe := entity.Classify(err)
		rec.AttemptCount++
		if rec.AttemptCount >= s.cfg.MaxAttempts {
			return s.fail(ctx, rec, pe)
		}
		s.backoff(rec, pe)
		return s.persist(ctx, rec)
	}

	switch result.State {
	case entity.GatewayAccepted:
		rec.State = entity.StateAccepted
		rec.DownloadIndex = result.DownloadIndex
		rec.LastErrorKind = ""
		rec.LastErrorMessage = ""
		if rec.CancelRequested {
			rec.LastErrorMessage = "cancellation requested after upload; document was accepted by the gateway"
		}
		s.log.Info().Str("invoice_id", rec.InvoiceID).
			Str("download_index", rec.DownloadIndex).Msg("invoice accepted")
	case entity.GatewayRejected:
		rec.State = entity.StateRejected
		rec.DownloadIndex = result.DownloadIndex
		rec.RejectionErrors = result.Errors
		rec.LastErrorKind = entity.ErrKindRejected
		rec.LastErrorMessage = "rejected by gateway"
		s.log.Warn().Str("invoice_id", rec.InvoiceID).
			Strs("errors", result.Errors).Msg("invoice rejected")
	case entity.GatewayProcessing:
		s.backoff(rec, nil)
	}
	return s.persist(ctx, rec)
}

// ── Transition helpers ────────────────────────────────────────────────────────

// buildFailure applies the retry policy to a failed build try. Data and
// credential faults end the record immediately; anything else (a storage
// blip, a failed signer call) keeps the current state, counts the try and
// backs off until the attempt ceiling.
func (s *Service) buildFailure(ctx context.Context, rec *entity.SubmissionRecord, pe *entity.PipelineError) error {
	switch pe.Kind {
	case entity.ErrKindValidation, entity.ErrKindEncoding, entity.ErrKindAuth, entity.ErrKindRejected:
		return s.fail(ctx, rec, pe)
	}
	rec.AttemptCount++
	if rec.AttemptCount >= s.cfg.MaxAttempts {
		return s.fail(ctx, rec, entity.NewPipelineError(pe.Kind,
			fmt.Sprintf("gave up after %d attempts: %s", rec.AttemptCount, pe.Message)))
	}
	s.backoff(rec, pe)
	s.log.Warn().Str("invoice_id", rec.InvoiceID).Str("kind", string(pe.Kind)).
		Int("attempt", rec.AttemptCount).Time("next_try", rec.NextPollAt).
		Msg("build attempt failed, will retry")
	return s.persist(ctx, rec)
}

// afterAttemptFailure applies the retry policy to a failed upload try.
func (s *Service) afterAttemptFailure(ctx context.Context, rec *entity.SubmissionRecord, pe *entity.PipelineError, retryState entity.SubmissionState) error {
	if !pe.Retryable() {
		return s.fail(ctx, rec, pe)
	}
	if rec.AttemptCount >= s.cfg.MaxAttempts {
		return s.fail(ctx, rec, entity.NewPipelineError(pe.Kind,
			fmt.Sprintf("gave up after %d attempts: %s", rec.AttemptCount, pe.Message)))
	}
	rec.State = retryState
	s.backoff(rec, pe)
	s.log.Warn().Str("invoice_id", rec.InvoiceID).Str("kind", string(pe.Kind)).
		Int("attempt", rec.AttemptCount).Time("next_try", rec.NextPollAt).
		Msg("submission attempt failed, will retry")
	return s.persist(ctx, rec)
}

// fail retires the record. Rejections keep their own state; everything else
// ends as FATAL with the classified kind for the operator.
func (s *Service) fail(ctx context.Context, rec *entity.SubmissionRecord, pe *entity.PipelineError) error {
	if pe.Kind == entity.ErrKindRejected {
		rec.State = entity.StateRejected
		rec.RejectionErrors = pe.Details
	} else {
		rec.State = entity.StateFatal
	}
	rec.LastErrorKind = pe.Kind
	rec.LastErrorMessage = pe.Message
	s.log.Error().Str("invoice_id", rec.InvoiceID).Str("kind", string(pe.Kind)).
		Str("state", string(rec.State)).Msg(pe.Message)
	return s.persist(ctx, rec)
}

// backoff doubles the wait (capped) and schedules the next action with
// jitter so herds of retries spread out. Records the failure on the record
// when there is one.
func (s *Service) backoff(rec *entity.SubmissionRecord, pe *entity.PipelineError) {
	next := rec.PollInterval * 2
	if next > s.cfg.PollMax {
		next = s.cfg.PollMax
	}
	if next <= 0 {
		next = s.cfg.PollInitial
	}
	rec.PollInterval = next
	rec.NextPollAt = s.now().Add(s.jitter(next))
	if pe != nil {
		rec.LastErrorKind = pe.Kind
		rec.LastErrorMessage = pe.Message
	}
}

// persist writes the record and its projection in that order. The record is
// the source of truth; a lost projection write self-heals on the next
// transition.
func (s *Service) persist(ctx context.Context, rec *entity.SubmissionRecord) error {
	rec.UpdatedAt = s.now()
	if err := s.submissions.Update(ctx, rec); err != nil {
		return err
	}
	if err := s.invoices.PersistProjection(ctx, s.projectionOf(rec)); err != nil {
		s.log.Warn().Err(err).Str("invoice_id", rec.InvoiceID).Msg("persist projection")
	}
	return nil
}

// projectionOf condenses a record into the view other modules see.
func (s *Service) projectionOf(rec *entity.SubmissionRecord) *entity.Projection {
	p := &entity.Projection{
		InvoiceID:     rec.InvoiceID,
		State:         rec.State,
		UploadIndex:   rec.UploadIndex,
		DownloadIndex: rec.DownloadIndex,
		UpdatedAt:     rec.UpdatedAt,
	}
	switch {
	case rec.State == entity.StateRejected && len(rec.RejectionErrors) > 0:
		p.Message = "rejected: " + strings.Join(rec.RejectionErrors, "; ")
	case rec.LastErrorMessage != "":
		p.Message = rec.LastErrorMessage
	}
	if !rec.State.Terminal() {
		next := rec.NextPollAt
		p.NextCheckAt = &next
	}
	return p
}

// defaultJitter spreads a wait over [d, 1.2d).
func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}
