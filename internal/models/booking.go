package models

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus represents the booking lifecycle state.
type BookingStatus string

const (
	BookingPending              BookingStatus = "PENDING"
	BookingConfirmed            BookingStatus = "CONFIRMED"
	BookingPendingExecution     BookingStatus = "PENDING_EXECUTION"
	BookingAwaitingConfirmation BookingStatus = "AWAITING_CONFIRMATION"
	BookingCompleted            BookingStatus = "COMPLETED"
	BookingCancelled            BookingStatus = "CANCELLED"
)

// BookingTransitions defines the valid booking state transitions. The key is
// the current state, the value the states reachable from it. CANCELLED is
// reachable from every non-terminal state; whether a cancellation is actually
// permitted also depends on the payment state (see booking.Service.Cancel).
var BookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:              {BookingConfirmed, BookingPendingExecution, BookingCancelled},
	BookingConfirmed:            {BookingPendingExecution, BookingCancelled},
	BookingPendingExecution:     {BookingAwaitingConfirmation, BookingCancelled},
	BookingAwaitingConfirmation: {BookingCompleted, BookingCancelled},
	BookingCompleted:            {},
	BookingCancelled:            {},
}

// IsTerminal reports whether no further transitions are allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// CanTransitionTo checks the transition table for a legal edge.
func (s BookingStatus) CanTransitionTo(target BookingStatus) bool {
	for _, next := range BookingTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ValidateBookingTransition returns ErrInvalidState wrapped with the offending
// edge when the transition is not allowed.
func ValidateBookingTransition(from, to BookingStatus) error {
	if !from.CanTransitionTo(to) {
		return invalidTransition("booking", string(from), string(to))
	}
	return nil
}

type Booking struct {
	ID           uuid.UUID     `json:"id"`
	ClientID     uuid.UUID     `json:"client_id"`
	ProviderID   uuid.UUID     `json:"provider_id"`
	ServiceID    uuid.UUID     `json:"service_id"`
	Status       BookingStatus `json:"status"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Amount       int64         `json:"amount"`
	Address      string        `json:"address"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// IsParticipant reports whether the account is the booking's client or provider.
func (b *Booking) IsParticipant(accountID uuid.UUID) bool {
	return b.ClientID == accountID || b.ProviderID == accountID
}
