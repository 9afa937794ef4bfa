package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-fm-approvals/internal/logger"
)

// Sweeper periodically converts time-based conditions into state transitions
// and signals: pending requests past their deadline are timed out, and due
// reminders are dispatched. It runs concurrently with live decisions; the
// conditional writes in the store make every race single-winner.
type Sweeper struct {
	service   *ApprovalService
	interval  time.Duration
	batchSize int
	log       *logger.Logger
}

// NewSweeper creates a Sweeper driving the given service.
func NewSweeper(service *ApprovalService, interval time.Duration, batchSize int, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
	}
}

// Run loops until ctx is cancelled, sweeping once per interval.
func (w *Sweeper) Run(ctx context.Context) {
	w.log.Info().
		Dur("interval", w.interval).
		Int("batch_size", w.batchSize).
		Msg("Approval sweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Approval sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: expirations first so a request that is both
// expired and reminder-due times out rather than getting a pointless nudge.
func (w *Sweeper) Sweep(ctx context.Context) {
	expired, err := w.service.ExpirePending(ctx, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Sweep: expiring pending requests failed")
	}

	sent, err := w.service.SendReminders(ctx, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Sweep: sending reminders failed")
	}

	if expired > 0 || sent > 0 {
		w.log.Info().
			Int("expired", expired).
			Int("reminders", sent).
			Msg("Sweep pass completed")
	}
}
