package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/craftlink/backend/internal/gateway"
	"github.com/craftlink/backend/internal/models"
	"github.com/craftlink/backend/internal/notify"
)

// Reason codes reported by a reconciliation pass.
const (
	ReasonConsistent       = "already consistent"
	ReasonDriftCorrected   = "drift corrected"
	ReasonPayoutRolledBack = "payout rolled back"
	ReasonReleased         = "transfer verified released"
	ReasonTransferPending  = "transfer still pending"
	ReasonUnresolved       = "unresolved drift"
)

// Issue codes carried alongside a reason when reconciliation found something
// that needs human or provider attention.
const (
	IssueInvalidBankCode     = "invalid_bank_code"
	IssueMissingTransferCode = "missing_transfer_code"
	IssueTransferFailed      = "transfer_failed"
	IssueTransferReversed    = "transfer_reversed"
	IssueInconsistentPair    = "inconsistent_pair"
)

// Result is the outcome of one reconciliation pass. Synced reports whether
// the pair is in a consistent combination after the pass; IssueFound is set
// when the pass surfaced a condition someone has to act on.
type Result struct {
	Synced       bool   `json:"synced"`
	Reason       string `json:"reason"`
	IssueFound   string `json:"issue_found,omitempty"`
	IssueDetails string `json:"issue_details,omitempty"`
}

// TxBeginner opens the transaction used when a correction spans both rows.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BookingStore is the booking surface the engine corrects through.
type BookingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	MarkPendingExecution(ctx context.Context, id uuid.UUID) error
	Transition(ctx context.Context, id uuid.UUID, from, to models.BookingStatus) error
	Complete(ctx context.Context, id uuid.UUID) error
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// PaymentStore is the payment surface the engine corrects through.
type PaymentStore interface {
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
	RollbackRelease(ctx context.Context, id uuid.UUID) error
	CompleteRelease(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// BankSource resolves the provider's stored bank details for the
// invalid-recipient check.
type BankSource interface {
	GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error)
}

// Gateway is the slice of the payment gateway the engine consults. Both calls
// are reads; the engine owns every local correction itself.
type Gateway interface {
	ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error)
	VerifyTransfer(ctx context.Context, transferCode string) (gateway.TransferStatus, error)
}

// Engine detects drift between a booking and its payment and applies the
// single highest-priority correction. Every check is a pure function of the
// two rows plus at most one gateway read, so concurrent passes over the same
// booking cannot compound: each correction is a conditional update, and a
// lost race just means the other writer already applied it.
type Engine struct {
	db         TxBeginner
	bookings   BookingStore
	payments   PaymentStore
	banks      BankSource
	gw         Gateway
	staleAfter time.Duration
	emitter    notify.Emitter
	logger     *slog.Logger
	now        func() time.Time
}

func NewEngine(db TxBeginner, bookings BookingStore, payments PaymentStore, banks BankSource, gw Gateway, staleAfter time.Duration, emitter notify.Emitter, logger *slog.Logger) *Engine {
	return &Engine{
		db:         db,
		bookings:   bookings,
		payments:   payments,
		banks:      banks,
		gw:         gw,
		staleAfter: staleAfter,
		emitter:    emitter,
		logger:     logger,
		now:        time.Now,
	}
}

// Reconcile runs one pass for the booking. A correction that loses its
// conditional update to a concurrent writer is retried once against fresh
// state; checks re-derive everything from the rows, so the second pass simply
// picks up whatever remains to fix.
func (e *Engine) Reconcile(ctx context.Context, bookingID uuid.UUID) (Result, error) {
	res, err := e.pass(ctx, bookingID)
	if errors.Is(err, models.ErrStateConflict) {
		e.logger.Info("reconciliation lost a race, re-deriving", "booking_id", bookingID)
		return e.pass(ctx, bookingID)
	}
	return res, err
}

func (e *Engine) pass(ctx context.Context, bookingID uuid.UUID) (Result, error) {
	log := e.logger.With("booking_id", bookingID)

	b, err := e.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}

	p, err := e.payments.GetByBookingID(ctx, bookingID)
	if err != nil {
		if !errors.Is(err, models.ErrPaymentNotFound) {
			return Result{}, err
		}
		p = nil
	}

	// 1. Invalid recipient. A bad bank code is the dominant cause of a stuck
	// payout, so it is surfaced on every pass, before any timing gate and
	// before the transfer is consulted.
	if p != nil && b.Status == models.BookingAwaitingConfirmation && p.Status == models.PaymentProcessingRelease {
		invalid, checked := e.bankCodeInvalid(ctx, b.ProviderID)
		if checked && invalid {
			if err := e.payments.RollbackRelease(ctx, p.ID); err != nil {
				return Result{}, err
			}
			log.Warn("payout rolled back, provider bank code invalid", "payment_id", p.ID)
			e.emitter.Emit(ctx, notify.Event{
				Kind:       notify.KindPayoutFailed,
				BookingID:  b.ID,
				PaymentID:  &p.ID,
				ClientID:   b.ClientID,
				ProviderID: b.ProviderID,
				Amount:     p.EscrowAmount,
				Reason:     IssueInvalidBankCode,
			})
			return Result{
				Synced:       true,
				Reason:       ReasonPayoutRolledBack,
				IssueFound:   IssueInvalidBankCode,
				IssueDetails: "provider bank code failed gateway validation; payout returned to escrow until bank details are corrected",
			}, nil
		}
	}

	// 2. Payment ahead of booking.
	if p != nil && p.Status == models.PaymentEscrow && (b.Status == models.BookingPending || b.Status == models.BookingConfirmed) {
		if err := e.bookings.MarkPendingExecution(ctx, b.ID); err != nil {
			return Result{}, err
		}
		log.Info("booking advanced to match escrowed payment", "payment_id", p.ID)
		return Result{Synced: true, Reason: ReasonDriftCorrected}, nil
	}
	if p != nil && b.Status == models.BookingPendingExecution &&
		(p.Status == models.PaymentEscrow || p.Status == models.PaymentProcessingRelease) {
		if err := e.bookings.Transition(ctx, b.ID, models.BookingPendingExecution, models.BookingAwaitingConfirmation); err != nil {
			return Result{}, err
		}
		log.Info("booking advanced to awaiting confirmation", "payment_id", p.ID, "payment_status", p.Status)
		return Result{Synced: true, Reason: ReasonDriftCorrected}, nil
	}

	// 3. Stuck payout. Only consulted once the payment has sat in
	// PROCESSING_RELEASE past the staleness threshold; younger rows are the
	// webhook's to finish.
	if p != nil && b.Status == models.BookingAwaitingConfirmation && p.Status == models.PaymentProcessingRelease {
		if e.now().Sub(p.UpdatedAt) < e.staleAfter {
			return Result{Synced: true, Reason: ReasonTransferPending}, nil
		}
		return e.verifyStalePayout(ctx, log, b, p)
	}

	// 4. Terminal payment, lagging booking.
	if p != nil && p.Status.IsReleased() && b.Status != models.BookingCompleted {
		if b.Status == models.BookingCancelled {
			log.Error("payment released for a cancelled booking", "payment_id", p.ID)
			return Result{
				Synced:       false,
				Reason:       ReasonUnresolved,
				IssueFound:   IssueInconsistentPair,
				IssueDetails: "payment released but booking is cancelled; requires operator review",
			}, nil
		}
		if err := e.bookings.Complete(ctx, b.ID); err != nil {
			return Result{}, err
		}
		log.Info("booking completed to match released payment", "payment_id", p.ID)
		e.emitBookingCompleted(ctx, b, p)
		return Result{Synced: true, Reason: ReasonDriftCorrected}, nil
	}

	// 5. Nothing to correct.
	var ps *models.PaymentStatus
	if p != nil {
		ps = &p.Status
	}
	if models.ConsistentPair(b.Status, ps) {
		return Result{Synced: true, Reason: ReasonConsistent}, nil
	}

	pairDesc := "none"
	if p != nil {
		pairDesc = string(p.Status)
	}
	log.Warn("drifted pair has no corrective action", "booking_status", b.Status, "payment_status", pairDesc)
	return Result{
		Synced:       false,
		Reason:       ReasonUnresolved,
		IssueFound:   IssueInconsistentPair,
		IssueDetails: fmt.Sprintf("booking %s with payment %s has no safe correction; requires operator review", b.Status, pairDesc),
	}, nil
}

// bankCodeInvalid reports whether the provider's bank code is definitively
// rejected by the gateway. checked is false when no verdict could be reached,
// either because details are missing locally or the validation call failed;
// ambiguity never rolls back a payout.
func (e *Engine) bankCodeInvalid(ctx context.Context, providerID uuid.UUID) (invalid, checked bool) {
	acc, err := e.banks.GetByProviderID(ctx, providerID)
	if err != nil {
		if !errors.Is(err, models.ErrBankAccountNotFound) {
			e.logger.Warn("bank details lookup failed during reconciliation", "provider_id", providerID, "error", err)
		}
		return false, false
	}
	valid, err := e.gw.ValidateBankCode(ctx, acc.BankCode, acc.Country)
	if err != nil {
		e.logger.Warn("bank code validation unavailable during reconciliation", "provider_id", providerID, "error", err)
		return false, false
	}
	return !valid, true
}

// verifyStalePayout asks the gateway what actually happened to the transfer
// and applies the matching correction. A definitive success closes both rows
// in one transaction; a definitive failure rolls the payment back to escrow;
// anything ambiguous is left for the next pass.
func (e *Engine) verifyStalePayout(ctx context.Context, log *slog.Logger, b *models.Booking, p *models.Payment) (Result, error) {
	if p.TransferCode == nil || *p.TransferCode == "" {
		// Release started but no transfer handle was ever recorded. There is
		// nothing to verify, so the only safe move is back to escrow.
		if err := e.payments.RollbackRelease(ctx, p.ID); err != nil {
			return Result{}, err
		}
		log.Warn("payout rolled back, no transfer code on record", "payment_id", p.ID)
		return Result{
			Synced:       true,
			Reason:       ReasonPayoutRolledBack,
			IssueFound:   IssueMissingTransferCode,
			IssueDetails: "payment was in release with no transfer code; returned to escrow for a fresh payout attempt",
		}, nil
	}

	status, err := e.gw.VerifyTransfer(ctx, *p.TransferCode)
	if err != nil {
		log.Warn("transfer verification unavailable", "payment_id", p.ID, "error", err)
		return Result{
			Synced:       true,
			Reason:       ReasonTransferPending,
			IssueDetails: "transfer verification unavailable; will retry on the next pass",
		}, nil
	}

	switch status {
	case gateway.TransferSuccess:
		if err := e.completeReleased(ctx, b, p); err != nil {
			return Result{}, err
		}
		log.Info("stale payout verified released", "payment_id", p.ID, "transfer_code", *p.TransferCode)
		e.emitter.Emit(ctx, notify.Event{
			Kind:       notify.KindPayoutReleased,
			BookingID:  b.ID,
			PaymentID:  &p.ID,
			ClientID:   b.ClientID,
			ProviderID: b.ProviderID,
			Amount:     p.EscrowAmount,
		})
		e.emitBookingCompleted(ctx, b, p)
		return Result{Synced: true, Reason: ReasonReleased}, nil

	case gateway.TransferFailed, gateway.TransferReversed:
		if err := e.payments.RollbackRelease(ctx, p.ID); err != nil {
			return Result{}, err
		}
		issue := IssueTransferFailed
		if status == gateway.TransferReversed {
			issue = IssueTransferReversed
		}
		log.Warn("stale payout rolled back", "payment_id", p.ID, "transfer_status", status)
		e.emitter.Emit(ctx, notify.Event{
			Kind:       notify.KindPayoutFailed,
			BookingID:  b.ID,
			PaymentID:  &p.ID,
			ClientID:   b.ClientID,
			ProviderID: b.ProviderID,
			Amount:     p.EscrowAmount,
			Reason:     issue,
		})
		return Result{
			Synced:       true,
			Reason:       ReasonPayoutRolledBack,
			IssueFound:   issue,
			IssueDetails: "gateway reported the transfer " + string(status) + "; payout returned to escrow",
		}, nil

	default:
		// Pending and unknown both leave the row in release; the next pass
		// re-verifies once the gateway has something definitive.
		return Result{Synced: true, Reason: ReasonTransferPending}, nil
	}
}

// completeReleased closes both rows together: payment to RELEASED, booking to
// COMPLETED. Either both survive or neither does.
func (e *Engine) completeReleased(ctx context.Context, b *models.Booking, p *models.Payment) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := e.payments.CompleteRelease(ctx, tx, p.ID); err != nil {
		return err
	}
	if err := e.bookings.CompleteTx(ctx, tx, b.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (e *Engine) emitBookingCompleted(ctx context.Context, b *models.Booking, p *models.Payment) {
	e.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindBookingCompleted,
		BookingID:  b.ID,
		PaymentID:  &p.ID,
		ClientID:   b.ClientID,
		ProviderID: b.ProviderID,
		Amount:     b.Amount,
	})
}
