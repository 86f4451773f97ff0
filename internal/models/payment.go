package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus represents the payment lifecycle state. Amounts are integer
// minor currency units; escrow is held at the gateway, the row mirrors it.
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentEscrow            PaymentStatus = "ESCROW"
	PaymentProcessingRelease PaymentStatus = "PROCESSING_RELEASE"
	PaymentReleased          PaymentStatus = "RELEASED"
	PaymentFailed            PaymentStatus = "FAILED"

	// PaymentCompleted is a legacy terminal alias still present in old rows.
	// No code path produces it; everywhere RELEASED is treated as terminal
	// this status is accepted too.
	PaymentCompleted PaymentStatus = "COMPLETED"
)

// PaymentTransitions defines the valid payment state transitions.
// PROCESSING_RELEASE -> ESCROW is the payout rollback edge; it must remain
// the only way back so repeated reconciliation converges instead of
// oscillating.
var PaymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:           {PaymentEscrow, PaymentFailed},
	PaymentEscrow:            {PaymentProcessingRelease},
	PaymentProcessingRelease: {PaymentReleased, PaymentEscrow},
	PaymentReleased:          {},
	PaymentFailed:            {},
	PaymentCompleted:         {},
}

// IsTerminal reports whether no further transitions are allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentReleased || s == PaymentFailed || s == PaymentCompleted
}

// IsReleased reports whether funds have definitively left escrow for the
// provider, counting the legacy COMPLETED alias.
func (s PaymentStatus) IsReleased() bool {
	return s == PaymentReleased || s == PaymentCompleted
}

// CanTransitionTo checks the transition table for a legal edge.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range PaymentTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

type Payment struct {
	ID               uuid.UUID     `json:"id"`
	BookingID        uuid.UUID     `json:"booking_id"`
	ClientID         uuid.UUID     `json:"client_id"`
	ProviderID       uuid.UUID     `json:"provider_id"`
	Amount           int64         `json:"amount"`
	EscrowAmount     int64         `json:"escrow_amount"`
	PlatformFee      int64         `json:"platform_fee"`
	Status           PaymentStatus `json:"status"`
	GatewayReference string        `json:"gateway_reference"`
	TransferCode     *string       `json:"transfer_code,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// TransferAttempted reports whether a payout transfer was ever initiated for
// this payment. A nil TransferCode means no transfer exists to verify.
func (p *Payment) TransferAttempted() bool {
	return p.TransferCode != nil && *p.TransferCode != ""
}

// consistentPairs is the normative booking/payment compatibility table.
// A nil entry in the allowed set means "no payment row".
var consistentPairs = map[BookingStatus][]*PaymentStatus{
	BookingPending:              {nil, ptr(PaymentPending)},
	BookingConfirmed:            {nil, ptr(PaymentPending)},
	BookingPendingExecution:     {ptr(PaymentEscrow)},
	BookingAwaitingConfirmation: {ptr(PaymentEscrow), ptr(PaymentProcessingRelease)},
	BookingCompleted:            {ptr(PaymentReleased), ptr(PaymentCompleted)},
	BookingCancelled:            {nil, ptr(PaymentPending), ptr(PaymentFailed)},
}

// ConsistentPair reports whether a booking status and payment status (nil for
// "no payment") form an allowed combination. Anything else is drift the
// reconciler must repair.
func ConsistentPair(b BookingStatus, p *PaymentStatus) bool {
	for _, allowed := range consistentPairs[b] {
		if allowed == nil && p == nil {
			return true
		}
		if allowed != nil && p != nil && *allowed == *p {
			return true
		}
	}
	return false
}

func ptr(s PaymentStatus) *PaymentStatus { return &s }
