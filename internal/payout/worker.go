package payout

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

type AuthorizePayoutArgs struct {
	BookingID uuid.UUID `json:"booking_id"`
}

func (AuthorizePayoutArgs) Kind() string { return "authorize_payout" }

// InsertOpts dedupes concurrent enqueues for the same booking while a job is
// still in a non-terminal state.
func (AuthorizePayoutArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	}
}

// EnqueueTxFunc inserts an authorize-payout job inside the caller's
// transaction, so the job exists if and only if the confirmation committed.
type EnqueueTxFunc func(ctx context.Context, tx pgx.Tx, args AuthorizePayoutArgs) error

// Authorizer is the contract the worker needs.
type Authorizer interface {
	Authorize(ctx context.Context, bookingID uuid.UUID) error
}

type AuthorizePayoutWorker struct {
	river.WorkerDefaults[AuthorizePayoutArgs]
	orchestrator Authorizer
}

func NewAuthorizePayoutWorker(o Authorizer) *AuthorizePayoutWorker {
	return &AuthorizePayoutWorker{orchestrator: o}
}

func (w *AuthorizePayoutWorker) Work(ctx context.Context, job *river.Job[AuthorizePayoutArgs]) error {
	return w.orchestrator.Authorize(ctx, job.Args.BookingID)
}
