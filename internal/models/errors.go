package models

import (
	"errors"
	"fmt"
)

// Domain sentinel errors. Handlers map them to HTTP statuses with errors.Is:
// not-found -> 404, ErrForbidden -> 403, ErrInvalidState and
// ErrDuplicatePayment -> 400, ErrStateConflict -> 409,
// ErrGatewayRejected -> 400, ErrGatewayUnavailable -> 503.
var (
	ErrBookingNotFound     = errors.New("booking not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrBankAccountNotFound = errors.New("bank account not found")
	ErrAccountNotFound     = errors.New("account not found")

	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState covers requests that are well-formed but illegal for
	// the entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrDuplicatePayment is returned when a booking already carries a
	// payment in a non-FAILED status.
	ErrDuplicatePayment = errors.New("payment already exists for booking")

	// ErrStateConflict means a conditional update lost to a concurrent
	// writer; the caller should re-poll current state rather than retry
	// blindly.
	ErrStateConflict = errors.New("state changed concurrently")

	// ErrGatewayUnavailable is the "unknown outcome" class: timeouts,
	// network errors, 5xx, rate limiting, malformed responses. It must
	// never be collapsed into a definitive failure.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayRejected is a definitive gateway-side refusal.
	ErrGatewayRejected = errors.New("payment gateway rejected request")

	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateEmail     = errors.New("email already registered")
)

func invalidTransition(entity, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidState, entity, from, to)
}
