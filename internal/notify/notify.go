package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event kinds double as AMQP routing keys on the topic exchange.
const (
	KindBookingPaid      = "booking.paid"
	KindBookingCompleted = "booking.completed"
	KindBookingCancelled = "booking.cancelled"
	KindPayoutInitiated  = "payout.initiated"
	KindPayoutReleased   = "payout.released"
	KindPayoutFailed     = "payout.failed"
)

// Event is one post-commit domain notification. Amount is in minor units and
// carries whatever sum the event is about (charge amount for booking events,
// payout amount for payout events).
type Event struct {
	Kind       string     `json:"kind"`
	BookingID  uuid.UUID  `json:"booking_id"`
	PaymentID  *uuid.UUID `json:"payment_id,omitempty"`
	ClientID   uuid.UUID  `json:"client_id"`
	ProviderID uuid.UUID  `json:"provider_id"`
	Amount     int64      `json:"amount,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Emitter delivers events after the owning transaction has committed.
// Delivery is fire-and-forget: implementations log failures and move on, so
// a down broker can never fail a payment flow.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// LogEmitter is the fallback used when no broker is configured.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l *LogEmitter) Emit(_ context.Context, e Event) {
	l.Logger.Info("event", "kind", e.Kind, "booking_id", e.BookingID, "reason", e.Reason)
}
