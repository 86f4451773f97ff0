package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/craftlink/backend/internal/models"
	"github.com/craftlink/backend/internal/notify"
	"github.com/craftlink/backend/internal/recon"
)

// SignatureHeader carries the gateway's HMAC-SHA512 of the raw body, hex
// encoded with the shared secret key.
const SignatureHeader = "X-Paystack-Signature"

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chargeData struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

type transferData struct {
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
}

// PaymentStore is the ledger surface webhook processing drives.
type PaymentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByReference(ctx context.Context, reference string) (*models.Payment, error)
	GetByTransferCode(ctx context.Context, transferCode string) (*models.Payment, error)
	MarkEscrowed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	CompleteRelease(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	RollbackRelease(ctx context.Context, id uuid.UUID) error
}

// BookingStore is the booking half of the paired webhook transitions.
type BookingStore interface {
	MarkPendingExecutionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, bookingID uuid.UUID) (recon.Result, error)
}

// Handler receives gateway webhooks. Events are applied idempotently: a
// replayed delivery finds its transition already made and acks without
// touching anything, so the gateway may deliver as many times as it likes.
type Handler struct {
	secret   []byte
	db       TxBeginner
	payments PaymentStore
	bookings BookingStore
	recon    Reconciler
	emitter  notify.Emitter
	log      *slog.Logger
}

func NewHandler(secret string, db TxBeginner, payments PaymentStore, bookings BookingStore, reconciler Reconciler, emitter notify.Emitter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		secret:   []byte(secret),
		db:       db,
		payments: payments,
		bookings: bookings,
		recon:    reconciler,
		emitter:  emitter,
		log:      log,
	}
}

// Receive is the webhook endpoint. Unverifiable requests get 401, malformed
// bodies 400, processing failures 500 so the gateway redelivers; everything
// else acks 200, including events we do not recognize.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	if err := validateAgainst(envelopeSchema, body); err != nil {
		h.log.Warn("webhook envelope rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	var bookingID uuid.UUID
	switch env.Event {
	case "charge.success":
		bookingID, err = h.chargeSucceeded(r.Context(), env.Data)
	case "charge.failed":
		bookingID, err = h.chargeFailed(r.Context(), env.Data)
	case "transfer.success", "transfer.failed", "transfer.reversed":
		bookingID, err = h.transferSettled(r.Context(), env.Event, env.Data)
	default:
		h.log.Debug("ignoring webhook event", "event", env.Event)
	}

	if err != nil {
		if errors.Is(err, ErrPayload) {
			h.log.Warn("webhook data rejected", "event", env.Event, "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		h.log.Error("webhook processing failed", "event", env.Event, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	if bookingID != uuid.Nil {
		if _, err := h.recon.Reconcile(r.Context(), bookingID); err != nil {
			h.log.Warn("post-webhook reconciliation failed", "booking_id", bookingID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha512.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// chargeSucceeded moves the payment into escrow and the booking into
// execution in one transaction. The booking half tolerates losing its
// conditional update: the money is held either way, and reconciliation owns
// whatever pair comes out.
func (h *Handler) chargeSucceeded(ctx context.Context, data json.RawMessage) (uuid.UUID, error) {
	if err := validateAgainst(chargeSchema, data); err != nil {
		return uuid.Nil, err
	}
	var d chargeData
	if err := json.Unmarshal(data, &d); err != nil {
		return uuid.Nil, err
	}

	p, err := h.payments.GetByReference(ctx, d.Reference)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			h.log.Warn("charge for unknown reference", "reference", d.Reference)
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}

	switch p.Status {
	case models.PaymentPending:
		// proceed below
	case models.PaymentFailed:
		h.log.Error("charge succeeded for a failed payment, operator attention needed",
			"payment_id", p.ID, "reference", d.Reference)
		return p.BookingID, nil
	default:
		// Replay of a delivery we already applied.
		return p.BookingID, nil
	}

	tx, err := h.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.payments.MarkEscrowed(ctx, tx, p.ID); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			// Concurrent delivery won; nothing left to do.
			return p.BookingID, nil
		}
		return uuid.Nil, err
	}
	if err := h.bookings.MarkPendingExecutionTx(ctx, tx, p.BookingID); err != nil && !errors.Is(err, models.ErrStateConflict) {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}

	h.log.Info("payment escrowed", "payment_id", p.ID, "booking_id", p.BookingID, "amount", p.Amount)
	h.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindBookingPaid,
		BookingID:  p.BookingID,
		PaymentID:  &p.ID,
		ClientID:   p.ClientID,
		ProviderID: p.ProviderID,
		Amount:     p.Amount,
	})
	return p.BookingID, nil
}

func (h *Handler) chargeFailed(ctx context.Context, data json.RawMessage) (uuid.UUID, error) {
	if err := validateAgainst(chargeSchema, data); err != nil {
		return uuid.Nil, err
	}
	var d chargeData
	if err := json.Unmarshal(data, &d); err != nil {
		return uuid.Nil, err
	}

	p, err := h.payments.GetByReference(ctx, d.Reference)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}
	if p.Status != models.PaymentPending {
		return p.BookingID, nil
	}

	if err := h.payments.MarkFailed(ctx, p.ID); err != nil && !errors.Is(err, models.ErrStateConflict) {
		return uuid.Nil, err
	}
	h.log.Info("payment failed at gateway", "payment_id", p.ID, "booking_id", p.BookingID)
	return p.BookingID, nil
}

// transferSettled applies the payout leg's final word: success completes both
// rows, failure or reversal rolls the payment back to escrow for another
// attempt.
func (h *Handler) transferSettled(ctx context.Context, event string, data json.RawMessage) (uuid.UUID, error) {
	if err := validateAgainst(transferSchema, data); err != nil {
		return uuid.Nil, err
	}
	var d transferData
	if err := json.Unmarshal(data, &d); err != nil {
		return uuid.Nil, err
	}

	p, err := h.resolveTransfer(ctx, d)
	if err != nil {
		return uuid.Nil, err
	}
	if p == nil {
		h.log.Warn("transfer event for unknown payment", "event", event, "reference", d.Reference, "transfer_code", d.TransferCode)
		return uuid.Nil, nil
	}

	switch event {
	case "transfer.success":
		return h.transferSucceeded(ctx, p)
	default: // transfer.failed, transfer.reversed
		return h.transferFailed(ctx, event, p)
	}
}

func (h *Handler) transferSucceeded(ctx context.Context, p *models.Payment) (uuid.UUID, error) {
	switch p.Status {
	case models.PaymentProcessingRelease:
		// proceed below
	case models.PaymentReleased, models.PaymentCompleted:
		return p.BookingID, nil
	default:
		// The transfer went through but the payment was already rolled back
		// to escrow. Funds have left the gateway balance; a human has to
		// settle which attempt the provider actually received.
		h.log.Error("transfer succeeded for a payment no longer in release, operator attention needed",
			"payment_id", p.ID, "payment_status", p.Status)
		return p.BookingID, nil
	}

	tx, err := h.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.payments.CompleteRelease(ctx, tx, p.ID); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			return p.BookingID, nil
		}
		return uuid.Nil, err
	}
	if err := h.bookings.CompleteTx(ctx, tx, p.BookingID); err != nil && !errors.Is(err, models.ErrStateConflict) {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}

	h.log.Info("payout released", "payment_id", p.ID, "booking_id", p.BookingID, "amount", p.EscrowAmount)
	h.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindPayoutReleased,
		BookingID:  p.BookingID,
		PaymentID:  &p.ID,
		ClientID:   p.ClientID,
		ProviderID: p.ProviderID,
		Amount:     p.EscrowAmount,
	})
	h.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindBookingCompleted,
		BookingID:  p.BookingID,
		PaymentID:  &p.ID,
		ClientID:   p.ClientID,
		ProviderID: p.ProviderID,
		Amount:     p.Amount,
	})
	return p.BookingID, nil
}

func (h *Handler) transferFailed(ctx context.Context, event string, p *models.Payment) (uuid.UUID, error) {
	switch p.Status {
	case models.PaymentProcessingRelease:
		// proceed below
	case models.PaymentEscrow:
		return p.BookingID, nil
	case models.PaymentReleased, models.PaymentCompleted:
		h.log.Error("transfer settled against a released payment, operator attention needed",
			"payment_id", p.ID, "event", event)
		return p.BookingID, nil
	default:
		return p.BookingID, nil
	}

	if err := h.payments.RollbackRelease(ctx, p.ID); err != nil {
		if errors.Is(err, models.ErrStateConflict) {
			return p.BookingID, nil
		}
		return uuid.Nil, err
	}

	reason := "transfer_failed"
	if event == "transfer.reversed" {
		reason = "transfer_reversed"
	}
	h.log.Warn("payout rolled back by gateway", "payment_id", p.ID, "booking_id", p.BookingID, "reason", reason)
	h.emitter.Emit(ctx, notify.Event{
		Kind:       notify.KindPayoutFailed,
		BookingID:  p.BookingID,
		PaymentID:  &p.ID,
		ClientID:   p.ClientID,
		ProviderID: p.ProviderID,
		Amount:     p.EscrowAmount,
		Reason:     reason,
	})
	return p.BookingID, nil
}

// resolveTransfer finds the payment a transfer event belongs to, preferring
// the deterministic payout reference and falling back to the stored transfer
// code. Returns nil when neither matches anything; a rollback clears the
// stored code, so the reference is the one handle that always survives.
func (h *Handler) resolveTransfer(ctx context.Context, d transferData) (*models.Payment, error) {
	if rest, ok := strings.CutPrefix(d.Reference, "po-"); ok {
		if id, err := uuid.Parse(rest); err == nil {
			p, err := h.payments.GetByID(ctx, id)
			if err == nil {
				return p, nil
			}
			if !errors.Is(err, models.ErrPaymentNotFound) {
				return nil, err
			}
		}
	}
	if d.TransferCode != "" {
		p, err := h.payments.GetByTransferCode(ctx, d.TransferCode)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, models.ErrPaymentNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
