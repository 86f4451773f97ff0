package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/craftlink/backend/internal/gateway"
	"github.com/craftlink/backend/internal/models"
)

// PaymentStore is the minimal payments persistence interface for the service.
type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
}

// BookingSource looks up the booking being paid for.
type BookingSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

// AccountSource resolves the paying client's account (the gateway wants an
// email on checkout initialization).
type AccountSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Initializer is the single gateway call the service performs.
type Initializer interface {
	InitializePayment(ctx context.Context, req gateway.InitializePaymentRequest) (*gateway.InitializedPayment, error)
}

// CheckoutSession is returned to the client after initialization. The booking
// status does not move here; it only advances when the gateway confirms the
// charge via webhook.
type CheckoutSession struct {
	Payment          *models.Payment `json:"payment"`
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
}

type Service interface {
	Initialize(ctx context.Context, bookingID, actorID uuid.UUID, callbackURL string) (*CheckoutSession, error)
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
}

type service struct {
	store       PaymentStore
	bookings    BookingSource
	accounts    AccountSource
	gw          Initializer
	feePercent  int64
	callbackURL string
}

func NewService(store PaymentStore, bookings BookingSource, accounts AccountSource, gw Initializer, feePercent int64, callbackURL string) Service {
	return &service{
		store:       store,
		bookings:    bookings,
		accounts:    accounts,
		gw:          gw,
		feePercent:  feePercent,
		callbackURL: callbackURL,
	}
}

var _ Service = (*service)(nil)

// Initialize runs the two-phase payment start: validate, call the gateway
// outside any transaction, then record the PENDING row. If the process dies
// between the gateway call and the insert, the orphaned checkout session
// simply expires gateway-side; nothing locally points at it. callbackURL
// overrides the configured default when non-empty.
func (s *service) Initialize(ctx context.Context, bookingID, actorID uuid.UUID, callbackURL string) (*CheckoutSession, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ClientID != actorID {
		return nil, models.ErrForbidden
	}
	if b.Status != models.BookingPending && b.Status != models.BookingConfirmed {
		return nil, fmt.Errorf("%w: booking is %s", models.ErrInvalidState, b.Status)
	}

	// Cheap pre-check; the partial unique index is the real guard.
	if existing, err := s.store.GetByBookingID(ctx, bookingID); err == nil && existing != nil {
		return nil, models.ErrDuplicatePayment
	} else if err != nil && !errors.Is(err, models.ErrPaymentNotFound) {
		return nil, err
	}

	acct, err := s.accounts.GetByID(ctx, b.ClientID)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	reference := "pay-" + id.String()
	if callbackURL == "" {
		callbackURL = s.callbackURL
	}

	init, err := s.gw.InitializePayment(ctx, gateway.InitializePaymentRequest{
		Email:       acct.Email,
		Amount:      b.Amount,
		Reference:   reference,
		CallbackURL: callbackURL,
		Metadata: map[string]string{
			"booking_id": b.ID.String(),
			"payment_id": id.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	fee := b.Amount * s.feePercent / 100
	p := &models.Payment{
		ID:               id,
		BookingID:        b.ID,
		ClientID:         b.ClientID,
		ProviderID:       b.ProviderID,
		Amount:           b.Amount,
		EscrowAmount:     b.Amount - fee,
		PlatformFee:      fee,
		Status:           models.PaymentPending,
		GatewayReference: reference,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	return &CheckoutSession{
		Payment:          p,
		AuthorizationURL: init.AuthorizationURL,
		AccessCode:       init.AccessCode,
	}, nil
}

func (s *service) GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error) {
	return s.store.GetByBookingID(ctx, bookingID)
}
