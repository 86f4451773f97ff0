package recon

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// sweepBatch bounds how many bookings one sweep touches. Anything left over
// is picked up by the next interval.
const sweepBatch = 100

type SweepArgs struct{}

func (SweepArgs) Kind() string { return "reconcile_sweep" }

func (SweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// NewSweepPeriodicJob schedules the sweep on a fixed interval, with one run
// at startup to drain whatever accumulated while the service was down.
func NewSweepPeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return SweepArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// SweepSource lists the two populations the sweep cares about: payments stuck
// in release past the staleness threshold, and escrowed payments whose booking
// finished waiting but never got a payout.
type SweepSource interface {
	ListStaleReleases(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ListEscrowedAwaitingPayout(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, bookingID uuid.UUID) (Result, error)
}

// EnqueuePayoutFunc schedules a payout attempt for a booking.
type EnqueuePayoutFunc func(ctx context.Context, bookingID uuid.UUID) error

// SweepWorker is the background half of reconciliation: the webhook and the
// user-facing sync fix what they are asked about, the sweep finds what nobody
// asked about.
type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]

	source        SweepSource
	engine        reconciler
	enqueuePayout EnqueuePayoutFunc
	staleAfter    time.Duration
	logger        *slog.Logger
}

func NewSweepWorker(source SweepSource, engine reconciler, enqueuePayout EnqueuePayoutFunc, staleAfter time.Duration, logger *slog.Logger) *SweepWorker {
	return &SweepWorker{
		source:        source,
		engine:        engine,
		enqueuePayout: enqueuePayout,
		staleAfter:    staleAfter,
		logger:        logger,
	}
}

// Work reconciles every stale release and re-queues payouts for escrowed
// payments that never left the gate. Per-booking failures are logged and
// skipped; one wedged pair must not shadow the rest of the batch.
func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[SweepArgs]) error {
	cutoff := time.Now().Add(-w.staleAfter)

	stale, err := w.source.ListStaleReleases(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, id := range stale {
		res, err := w.engine.Reconcile(ctx, id)
		if err != nil {
			w.logger.Warn("sweep reconciliation failed", "booking_id", id, "error", err)
			continue
		}
		w.logger.Info("sweep reconciled stale release", "booking_id", id, "reason", res.Reason, "issue", res.IssueFound)
	}

	waiting, err := w.source.ListEscrowedAwaitingPayout(ctx, cutoff, sweepBatch)
	if err != nil {
		return err
	}
	for _, id := range waiting {
		if err := w.enqueuePayout(ctx, id); err != nil {
			w.logger.Warn("sweep payout enqueue failed", "booking_id", id, "error", err)
		}
	}

	if len(stale) > 0 || len(waiting) > 0 {
		w.logger.Info("reconciliation sweep finished", "stale_releases", len(stale), "pending_payouts", len(waiting))
	}
	return nil
}
