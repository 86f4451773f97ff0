package recon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubSweepSource struct {
	stale   []uuid.UUID
	waiting []uuid.UUID
	listErr error
}

func (s *stubSweepSource) ListStaleReleases(_ context.Context, _ time.Time, _ int) ([]uuid.UUID, error) {
	return s.stale, s.listErr
}

func (s *stubSweepSource) ListEscrowedAwaitingPayout(_ context.Context, _ time.Time, _ int) ([]uuid.UUID, error) {
	return s.waiting, nil
}

type stubReconciler struct {
	mu     sync.Mutex
	calls  []uuid.UUID
	err    error
	result Result
}

func (s *stubReconciler) Reconcile(_ context.Context, id uuid.UUID) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	return s.result, s.err
}

func TestSweepReconcilesEveryStaleRelease(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	source := &stubSweepSource{stale: ids}
	engine := &stubReconciler{result: Result{Synced: true, Reason: ReasonReleased}}

	var enqueued []uuid.UUID
	worker := NewSweepWorker(source, engine, func(_ context.Context, id uuid.UUID) error {
		enqueued = append(enqueued, id)
		return nil
	}, 5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := worker.Work(context.Background(), nil); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if len(engine.calls) != len(ids) {
		t.Errorf("reconciled %d bookings, want %d", len(engine.calls), len(ids))
	}
	if len(enqueued) != 0 {
		t.Errorf("payouts enqueued with nothing waiting: %v", enqueued)
	}
}

func TestSweepRequeuesWaitingPayouts(t *testing.T) {
	waiting := []uuid.UUID{uuid.New(), uuid.New()}
	source := &stubSweepSource{waiting: waiting}
	engine := &stubReconciler{}

	var enqueued []uuid.UUID
	worker := NewSweepWorker(source, engine, func(_ context.Context, id uuid.UUID) error {
		enqueued = append(enqueued, id)
		return nil
	}, 5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := worker.Work(context.Background(), nil); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if len(enqueued) != len(waiting) {
		t.Errorf("enqueued %d payouts, want %d", len(enqueued), len(waiting))
	}
}

func TestSweepSkipsFailedBookingsAndContinues(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	source := &stubSweepSource{stale: ids}
	engine := &stubReconciler{err: errors.New("row gone")}

	worker := NewSweepWorker(source, engine, func(context.Context, uuid.UUID) error { return nil },
		5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := worker.Work(context.Background(), nil); err != nil {
		t.Fatalf("Work() error = %v, per-booking failures must not fail the sweep", err)
	}
	if len(engine.calls) != len(ids) {
		t.Errorf("reconciled %d bookings, want all %d despite failures", len(engine.calls), len(ids))
	}
}

func TestSweepListFailureIsRetryable(t *testing.T) {
	source := &stubSweepSource{listErr: errors.New("db down")}
	worker := NewSweepWorker(source, &stubReconciler{}, func(context.Context, uuid.UUID) error { return nil },
		5*time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := worker.Work(context.Background(), nil); err == nil {
		t.Fatalf("Work() error = nil, want listing failure surfaced for retry")
	}
}
