package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/craftlink/backend/internal/models"
	"github.com/craftlink/backend/internal/notify"
	"github.com/craftlink/backend/internal/payout"
	"github.com/craftlink/backend/internal/recon"
)

// Actor identifies who is asking. Operators pass participant checks
// everywhere; everything else is scoped to the booking's two parties.
type Actor struct {
	AccountID uuid.UUID
	Operator  bool
}

type CreateRequest struct {
	ProviderID   uuid.UUID
	ServiceID    uuid.UUID
	ScheduledFor time.Time
	Amount       int64
	Address      string
}

// SyncOutcome is the repair endpoint's payload: what reconciliation decided,
// plus both rows as they stand afterwards.
type SyncOutcome struct {
	recon.Result
	Booking *models.Booking `json:"booking"`
	Payment *models.Payment `json:"payment,omitempty"`
}

// BookingStore is the persistence surface the service drives.
type BookingStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, b *models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Booking, error)
	Transition(ctx context.Context, id uuid.UUID, from, to models.BookingStatus) error
	TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.BookingStatus) error
}

// PaymentSource is the slice of the payment ledger the service reads, plus
// the transactional fail used when cancelling an unpaid booking.
type PaymentSource interface {
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// AccountSource resolves the provider on booking creation.
type AccountSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Reconciler repairs a booking/payment pair and reports what it did.
type Reconciler interface {
	Reconcile(ctx context.Context, bookingID uuid.UUID) (recon.Result, error)
}

type Service interface {
	Create(ctx context.Context, actor Actor, req CreateRequest) (*models.Booking, error)
	Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error)
	List(ctx context.Context, actor Actor) ([]*models.Booking, error)
	Accept(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error)
	Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error)
	ConfirmCompletion(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error)
	StatusView(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingPaymentView, error)
	Sync(ctx context.Context, actor Actor, id uuid.UUID) (*SyncOutcome, error)
}

type service struct {
	store         BookingStore
	payments      PaymentSource
	accounts      AccountSource
	recon         Reconciler
	enqueuePayout payout.EnqueueTxFunc
	emitter       notify.Emitter
	logger        *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(store BookingStore, payments PaymentSource, accounts AccountSource, reconciler Reconciler, enqueuePayout payout.EnqueueTxFunc, emitter notify.Emitter, logger *slog.Logger) Service {
	return &service{
		store:         store,
		payments:      payments,
		accounts:      accounts,
		recon:         reconciler,
		enqueuePayout: enqueuePayout,
		emitter:       emitter,
		logger:        logger,
	}
}

func (s *service) Create(ctx context.Context, actor Actor, req CreateRequest) (*models.Booking, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", models.ErrInvalidState)
	}
	if req.ScheduledFor.IsZero() {
		return nil, fmt.Errorf("scheduled time is required: %w", models.ErrInvalidState)
	}
	if req.ProviderID == actor.AccountID {
		return nil, fmt.Errorf("cannot book yourself: %w", models.ErrInvalidState)
	}

	provider, err := s.accounts.GetByID(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			return nil, fmt.Errorf("unknown provider: %w", models.ErrInvalidState)
		}
		return nil, err
	}
	if provider.Role != models.RoleProvider {
		return nil, fmt.Errorf("account is not a provider: %w", models.ErrInvalidState)
	}

	b := &models.Booking{
		ID:           uuid.New(),
		ClientID:     actor.AccountID,
		ProviderID:   req.ProviderID,
		ServiceID:    req.ServiceID,
		Status:       models.BookingPending,
		ScheduledFor: req.ScheduledFor,
		Amount:       req.Amount,
		Address:      req.Address,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("booking created", "booking_id", b.ID, "client_id", b.ClientID, "provider_id", b.ProviderID, "amount", b.Amount)
	return b, nil
}

func (s *service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator && !b.IsParticipant(actor.AccountID) {
		return nil, models.ErrForbidden
	}
	return b, nil
}

func (s *service) List(ctx context.Context, actor Actor) ([]*models.Booking, error) {
	return s.store.ListByAccount(ctx, actor.AccountID)
}

// Accept is the provider taking the job: PENDING to CONFIRMED, nothing else.
func (s *service) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.ProviderID != actor.AccountID {
		return nil, models.ErrForbidden
	}
	if err := models.ValidateBookingTransition(b.Status, models.BookingConfirmed); err != nil {
		return nil, err
	}
	if err := s.store.Transition(ctx, id, models.BookingPending, models.BookingConfirmed); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, id)
}

// Cancel refuses once money is escrowed: a refund leg does not exist, so the
// only cancellable payment state is PENDING, which fails alongside the
// booking in one transaction to keep the pair consistent.
func (s *service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator && !b.IsParticipant(actor.AccountID) {
		return nil, models.ErrForbidden
	}
	if b.Status.IsTerminal() {
		return nil, fmt.Errorf("booking already %s: %w", b.Status, models.ErrInvalidState)
	}

	p, err := s.payments.GetByBookingID(ctx, id)
	switch {
	case errors.Is(err, models.ErrPaymentNotFound):
		if err := s.store.Transition(ctx, id, b.Status, models.BookingCancelled); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case p.Status == models.PaymentPending:
		if err := s.cancelWithPayment(ctx, b, p); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("payment already in %s, funds must be released or resolved by support: %w", p.Status, models.ErrInvalidState)
	}

	s.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindBookingCancelled,
		BookingID:  b.ID,
		ClientID:   b.ClientID,
		ProviderID: b.ProviderID,
		Amount:     b.Amount,
		Reason:     "cancelled by " + actorRole(actor, b),
	})
	return s.store.GetByID(ctx, id)
}

func (s *service) cancelWithPayment(ctx context.Context, b *models.Booking, p *models.Payment) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.store.TransitionTx(ctx, tx, b.ID, b.Status, models.BookingCancelled); err != nil {
		return err
	}
	if err := s.payments.MarkFailedTx(ctx, tx, p.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConfirmCompletion is the client signing off on the work. The booking moves
// to AWAITING_CONFIRMATION and the payout job is inserted in the same
// transaction, so a confirmed booking can never miss its payout.
func (s *service) ConfirmCompletion(ctx context.Context, actor Actor, id uuid.UUID) (*models.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.ClientID != actor.AccountID {
		return nil, models.ErrForbidden
	}
	if b.Status != models.BookingPendingExecution {
		return nil, fmt.Errorf("booking is %s, not awaiting completion: %w", b.Status, models.ErrInvalidState)
	}

	p, err := s.payments.GetByBookingID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return nil, fmt.Errorf("no payment on record: %w", models.ErrInvalidState)
		}
		return nil, err
	}
	if p.Status != models.PaymentEscrow {
		return nil, fmt.Errorf("payment is %s, not in escrow: %w", p.Status, models.ErrInvalidState)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.store.TransitionTx(ctx, tx, id, models.BookingPendingExecution, models.BookingAwaitingConfirmation); err != nil {
		return nil, err
	}
	if err := s.enqueuePayout(ctx, tx, payout.AuthorizePayoutArgs{BookingID: id}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("completion confirmed, payout queued", "booking_id", id, "payment_id", p.ID)
	return s.store.GetByID(ctx, id)
}

// StatusView returns the pair after an opportunistic repair pass. A failed
// pass is logged and swallowed; polling must always answer with current
// state.
func (s *service) StatusView(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingPaymentView, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator && !b.IsParticipant(actor.AccountID) {
		return nil, models.ErrForbidden
	}

	if _, err := s.recon.Reconcile(ctx, id); err != nil {
		s.logger.Warn("opportunistic reconciliation failed", "booking_id", id, "error", err)
	}

	return s.loadView(ctx, id)
}

// Sync is the on-demand repair: run the engine, then report its verdict with
// both rows as they stand.
func (s *service) Sync(ctx context.Context, actor Actor, id uuid.UUID) (*SyncOutcome, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Operator && !b.IsParticipant(actor.AccountID) {
		return nil, models.ErrForbidden
	}

	res, err := s.recon.Reconcile(ctx, id)
	if err != nil {
		return nil, err
	}

	view, err := s.loadView(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SyncOutcome{Result: res, Booking: view.Booking, Payment: view.Payment}, nil
}

func (s *service) loadView(ctx context.Context, id uuid.UUID) (*models.BookingPaymentView, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.payments.GetByBookingID(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrPaymentNotFound) {
			return nil, err
		}
		p = nil
	}
	v := models.NewBookingPaymentView(b, p)
	return &v, nil
}

func actorRole(actor Actor, b *models.Booking) string {
	switch actor.AccountID {
	case b.ClientID:
		return "client"
	case b.ProviderID:
		return "provider"
	default:
		return "operator"
	}
}
