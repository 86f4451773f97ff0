package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/craftlink/backend/internal/gateway"
	"github.com/craftlink/backend/internal/models"
	"github.com/craftlink/backend/internal/notify"
)

// BookingSource is the slice of booking storage the orchestrator needs.
type BookingSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
}

// PaymentStore reads the escrowed payment and flips it into release.
type PaymentStore interface {
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error)
	BeginRelease(ctx context.Context, id uuid.UUID, transferCode string) error
}

// BankStore resolves the provider's payout destination.
type BankStore interface {
	GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error)
	SetRecipientCode(ctx context.Context, id uuid.UUID, code string) error
}

// Gateway is the transfer-side surface of the payment gateway.
type Gateway interface {
	ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error)
	CreateTransferRecipient(ctx context.Context, req gateway.RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req gateway.TransferRequest) (string, error)
}

// Orchestrator moves an escrowed payment into PROCESSING_RELEASE by initiating
// a gateway transfer. It only ever starts the transfer; the outcome arrives
// later through webhooks or reconciliation, never by blocking here.
type Orchestrator struct {
	bookings BookingSource
	payments PaymentStore
	banks    BankStore
	gw       Gateway
	emitter  notify.Emitter
	logger   *slog.Logger
}

func NewOrchestrator(bookings BookingSource, payments PaymentStore, banks BankStore, gw Gateway, emitter notify.Emitter, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		bookings: bookings,
		payments: payments,
		banks:    banks,
		gw:       gw,
		emitter:  emitter,
		logger:   logger,
	}
}

var _ Authorizer = (*Orchestrator)(nil)

// Authorize initiates the payout for a booking awaiting confirmation. Every
// precondition miss is a clean no-op or a retryable error; by the time any
// local state changes the transfer already exists at the gateway, identified
// by a reference derived from the payment ID so a retry can never create a
// second transfer.
func (o *Orchestrator) Authorize(ctx context.Context, bookingID uuid.UUID) error {
	log := o.logger.With("booking_id", bookingID)

	b, err := o.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrBookingNotFound) {
			log.Warn("payout job for unknown booking, dropping")
			return nil
		}
		return fmt.Errorf("load booking: %w", err)
	}
	if b.Status != models.BookingAwaitingConfirmation {
		log.Info("booking no longer awaiting confirmation, skipping payout", "status", b.Status)
		return nil
	}

	p, err := o.payments.GetByBookingID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			log.Warn("no payment on record for payout, dropping")
			return nil
		}
		return fmt.Errorf("load payment: %w", err)
	}
	if p.Status != models.PaymentEscrow {
		log.Info("payment not in escrow, skipping payout", "payment_status", p.Status)
		return nil
	}
	if p.TransferAttempted() {
		log.Info("transfer already initiated, skipping payout", "transfer_code", *p.TransferCode)
		return nil
	}

	acc, err := o.banks.GetByProviderID(ctx, b.ProviderID)
	if err != nil {
		if errors.Is(err, models.ErrBankAccountNotFound) {
			o.fail(ctx, b, p, "provider has no bank account on file")
			return nil
		}
		return fmt.Errorf("load bank account: %w", err)
	}
	if !acc.Complete() {
		o.fail(ctx, b, p, "provider bank details incomplete")
		return nil
	}

	// Best effort: a gateway hiccup here must not strand the payout, so only a
	// definitive "no such bank" aborts.
	valid, err := o.gw.ValidateBankCode(ctx, acc.BankCode, acc.Country)
	if err != nil {
		log.Warn("bank code validation unavailable, proceeding", "error", err)
	} else if !valid {
		o.fail(ctx, b, p, "bank code not recognized by gateway")
		return nil
	}

	recipient, err := o.ensureRecipient(ctx, acc)
	if err != nil {
		return err
	}

	reference := "po-" + p.ID.String()
	transferCode, err := o.gw.InitiateTransfer(ctx, gateway.TransferRequest{
		Amount:        p.EscrowAmount,
		RecipientCode: recipient,
		Reference:     reference,
		Reason:        "CraftLink payout",
	})
	if err != nil {
		if errors.Is(err, models.ErrGatewayRejected) {
			// Definitive refusal. The payment stays in escrow; the sweep will
			// bring the booking back here once the cause clears.
			o.fail(ctx, b, p, "gateway rejected transfer: "+err.Error())
			return nil
		}
		return fmt.Errorf("initiate transfer: %w", err)
	}

	if err := o.payments.BeginRelease(ctx, p.ID, transferCode); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			// A concurrent authorizer got there first. Its transfer carries
			// the same reference, so the gateway deduplicated ours.
			log.Info("payment already moved by concurrent payout, skipping")
			return nil
		}
		return fmt.Errorf("begin release: %w", err)
	}

	log.Info("payout initiated", "payment_id", p.ID, "transfer_code", transferCode, "amount", p.EscrowAmount)
	o.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindPayoutInitiated,
		BookingID:  b.ID,
		PaymentID:  &p.ID,
		ClientID:   b.ClientID,
		ProviderID: b.ProviderID,
		Amount:     p.EscrowAmount,
	})
	return nil
}

// ensureRecipient returns the provider's transfer recipient code, registering
// one with the gateway on first use.
func (o *Orchestrator) ensureRecipient(ctx context.Context, acc *models.BankAccount) (string, error) {
	if acc.RecipientCode != nil && *acc.RecipientCode != "" {
		return *acc.RecipientCode, nil
	}
	code, err := o.gw.CreateTransferRecipient(ctx, gateway.RecipientRequest{
		Name:          acc.AccountName,
		AccountNumber: acc.AccountNumber,
		BankCode:      acc.BankCode,
	})
	if err != nil {
		return "", fmt.Errorf("create transfer recipient: %w", err)
	}
	if err := o.banks.SetRecipientCode(ctx, acc.ID, code); err != nil {
		return "", fmt.Errorf("store recipient code: %w", err)
	}
	return code, nil
}

func (o *Orchestrator) fail(ctx context.Context, b *models.Booking, p *models.Payment, reason string) {
	o.logger.Warn("payout aborted", "booking_id", b.ID, "payment_id", p.ID, "reason", reason)
	o.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindPayoutFailed,
		BookingID:  b.ID,
		PaymentID:  &p.ID,
		ClientID:   b.ClientID,
		ProviderID: b.ProviderID,
		Amount:     p.EscrowAmount,
		Reason:     reason,
	})
}
