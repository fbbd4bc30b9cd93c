package efactura

import (
	"context"
	"sync"
	"time"

	"github.com/contazen/efactura-api/internal/domain/repository"
	"github.com/contazen/efactura-api/pkg/logger"
)

// Scheduler periodically scans for submissions whose next action is due and
// fans them out to a fixed worker pool. It owns no state machine logic;
// every job is just a Step call, and the per-invoice lock inside the
// service keeps overlapping jobs harmless.
type Scheduler struct {
	svc         *Service
	submissions repository.SubmissionStore
	log         *logger.Logger

	scanInterval time.Duration
	workers      int
	batchSize    int
}

// NewScheduler builds the scheduler. Zero values fall back to a 5s scan,
// 4 workers and batches of 50.
func NewScheduler(svc *Service, submissions repository.SubmissionStore, log *logger.Logger, scanInterval time.Duration, workers, batchSize int) *Scheduler {
	if scanInterval <= 0 {
		scanInterval = 5 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Scheduler{
		svc:          svc,
		submissions:  submissions,
		log:          log,
		scanInterval: scanInterval,
		workers:      workers,
		batchSize:    batchSize,
	}
}

// Run blocks until ctx is cancelled, then drains the workers and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for invoiceID := range jobs {
				stepCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				if err := s.svc.Step(stepCtx, invoiceID); err != nil {
					s.log.Error().Err(err).Str("invoice_id", invoiceID).Msg("scheduler step")
				}
				cancel()
			}
		}()
	}

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	s.log.Info().Int("workers", s.workers).Dur("scan_interval", s.scanInterval).
		Msg("submission scheduler started")

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			s.log.Info().Msg("submission scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx, jobs)
		}
	}
}

// scan fetches the due batch and enqueues it, deduplicated per invoice so a
// single scan never queues the same invoice twice.
func (s *Scheduler) scan(ctx context.Context, jobs chan<- string) {
	due, err := s.submissions.ListDue(ctx, time.Now(), s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("scan due submissions")
		return
	}
	seen := make(map[string]struct{}, len(due))
	for _, rec := range due {
		if _, ok := seen[rec.InvoiceID]; ok {
			continue
		}
		seen[rec.InvoiceID] = struct{}{}
		select {
		case jobs <- rec.InvoiceID:
		case <-ctx.Done():
			return
		}
	}
}
