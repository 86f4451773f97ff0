package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/craftlink/backend/internal/models"
	"github.com/craftlink/backend/internal/notify"
	"github.com/craftlink/backend/internal/recon"
)

const testSecret = "whsec_test_7f2c"

// ----------------------------------------------------------------------------
// Mocks
// ----------------------------------------------------------------------------

type fakeTx struct {
	pgx.Tx
	committed bool
	rolled    bool
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

type fakeDB struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type memPayments struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*models.Payment
	escrowed   int
	failed     int
	released   int
	rolledBack int
}

func newMemPayments() *memPayments {
	return &memPayments{rows: make(map[uuid.UUID]*models.Payment)}
}

func (m *memPayments) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPayments) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.GatewayReference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (m *memPayments) GetByTransferCode(ctx context.Context, transferCode string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.TransferCode != nil && *p.TransferCode == transferCode {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (m *memPayments) MarkEscrowed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != models.PaymentPending {
		return models.ErrStateConflict
	}
	p.Status = models.PaymentEscrow
	m.escrowed++
	return nil
}

func (m *memPayments) MarkFailed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != models.PaymentPending {
		return models.ErrStateConflict
	}
	p.Status = models.PaymentFailed
	m.failed++
	return nil
}

func (m *memPayments) CompleteRelease(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != models.PaymentProcessingRelease {
		return models.ErrStateConflict
	}
	p.Status = models.PaymentReleased
	m.released++
	return nil
}

func (m *memPayments) RollbackRelease(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != models.PaymentProcessingRelease {
		return models.ErrStateConflict
	}
	p.Status = models.PaymentEscrow
	p.TransferCode = nil
	m.rolledBack++
	return nil
}

func (m *memPayments) status(id uuid.UUID) models.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

type memBookings struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.Booking
}

func newMemBookings() *memBookings {
	return &memBookings{rows: make(map[uuid.UUID]*models.Booking)}
}

func (m *memBookings) MarkPendingExecutionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return models.ErrStateConflict
	}
	if b.Status != models.BookingPending && b.Status != models.BookingConfirmed {
		return models.ErrStateConflict
	}
	b.Status = models.BookingPendingExecution
	return nil
}

func (m *memBookings) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return models.ErrStateConflict
	}
	if b.Status == models.BookingCompleted || b.Status == models.BookingCancelled {
		return models.ErrStateConflict
	}
	b.Status = models.BookingCompleted
	return nil
}

func (m *memBookings) status(id uuid.UUID) models.BookingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

type stubRecon struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (s *stubRecon) Reconcile(ctx context.Context, bookingID uuid.UUID) (recon.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, bookingID)
	return recon.Result{Synced: true}, nil
}

type recordEmitter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordEmitter) Emit(ctx context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordEmitter) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// ----------------------------------------------------------------------------
// Fixture
// ----------------------------------------------------------------------------

type whFixture struct {
	payments *memPayments
	bookings *memBookings
	db       *fakeDB
	rec      *stubRecon
	emitter  *recordEmitter
	handler  *Handler
}

func newWebhookFixture() *whFixture {
	f := &whFixture{
		payments: newMemPayments(),
		bookings: newMemBookings(),
		db:       &fakeDB{},
		rec:      &stubRecon{},
		emitter:  &recordEmitter{},
	}
	log := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	f.handler = NewHandler(testSecret, f.db, f.payments, f.bookings, f.rec, f.emitter, log)
	return f
}

func (f *whFixture) addPair(bStatus models.BookingStatus, pStatus models.PaymentStatus) (*models.Booking, *models.Payment) {
	clientID := uuid.New()
	providerID := uuid.New()
	b := &models.Booking{
		ID:           uuid.New(),
		ClientID:     clientID,
		ProviderID:   providerID,
		Status:       bStatus,
		Amount:       50000,
		ScheduledFor: time.Now().Add(24 * time.Hour),
	}
	p := &models.Payment{
		ID:               uuid.New(),
		BookingID:        b.ID,
		ClientID:         clientID,
		ProviderID:       providerID,
		Amount:           50000,
		EscrowAmount:     45000,
		PlatformFee:      5000,
		Status:           pStatus,
		GatewayReference: "pay-" + uuid.NewString(),
	}
	if pStatus == models.PaymentProcessingRelease || pStatus == models.PaymentReleased {
		code := "TRF_" + p.ID.String()[:8]
		p.TransferCode = &code
	}
	f.bookings.rows[b.ID] = b
	f.payments.rows[p.ID] = p
	return b, p
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *whFixture) post(t *testing.T, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/gateway", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	rr := httptest.NewRecorder()
	f.handler.Receive(rr, req)
	return rr
}

func (f *whFixture) postEvent(t *testing.T, event string, data any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return f.post(t, raw, sign(testSecret, raw))
}

func (f *whFixture) reconCalls() int {
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	return len(f.rec.calls)
}

// ----------------------------------------------------------------------------
// Signature and payload validation
// ----------------------------------------------------------------------------

func TestReceiveRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture()
	_, p := f.addPair(models.BookingConfirmed, models.PaymentPending)

	body, _ := json.Marshal(map[string]any{
		"event": "charge.success",
		"data":  map[string]any{"reference": p.GatewayReference, "status": "success", "amount": 50000},
	})

	rr := f.post(t, body, sign("wrong-secret", body))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentPending {
		t.Fatalf("payment mutated despite bad signature: %s", got)
	}
}

func TestReceiveRejectsMissingSignature(t *testing.T) {
	f := newWebhookFixture()
	body := []byte(`{"event":"charge.success","data":{"reference":"pay-x","status":"success","amount":1}}`)

	rr := f.post(t, body, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestReceiveRejectsMalformedEnvelope(t *testing.T) {
	f := newWebhookFixture()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing event", `{"data":{}}`},
		{"empty event", `{"event":"","data":{}}`},
		{"missing data", `{"event":"charge.success"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(tc.body)
			rr := f.post(t, body, sign(testSecret, body))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestChargeDataSchemaViolationRejected(t *testing.T) {
	f := newWebhookFixture()

	// Signed and well-formed envelope, but charge data missing its reference.
	rr := f.postEvent(t, "charge.success", map[string]any{"status": "success", "amount": 100})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

// ----------------------------------------------------------------------------
// Charge events
// ----------------------------------------------------------------------------

func TestChargeSuccessEscrowsAndAdvances(t *testing.T) {
	f := newWebhookFixture()
	b, p := f.addPair(models.BookingConfirmed, models.PaymentPending)

	rr := f.postEvent(t, "charge.success", map[string]any{
		"reference": p.GatewayReference, "status": "success", "amount": 50000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if got := f.payments.status(p.ID); got != models.PaymentEscrow {
		t.Fatalf("payment status = %s, want ESCROW", got)
	}
	if got := f.bookings.status(b.ID); got != models.BookingPendingExecution {
		t.Fatalf("booking status = %s, want PENDING_EXECUTION", got)
	}
	if len(f.db.txs) != 1 || !f.db.txs[0].committed {
		t.Fatalf("expected one committed transaction, got %+v", f.db.txs)
	}
	kinds := f.emitter.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindBookingPaid {
		t.Fatalf("emitted kinds = %v, want [booking.paid]", kinds)
	}
	if f.reconCalls() != 1 {
		t.Fatalf("reconcile calls = %d, want 1", f.reconCalls())
	}
}

func TestChargeSuccessReplayIsIdempotent(t *testing.T) {
	f := newWebhookFixture()
	b, p := f.addPair(models.BookingPendingExecution, models.PaymentEscrow)

	rr := f.postEvent(t, "charge.success", map[string]any{
		"reference": p.GatewayReference, "status": "success", "amount": 50000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.payments.escrowed != 0 {
		t.Fatalf("replay escrowed again: %d", f.payments.escrowed)
	}
	if got := f.bookings.status(b.ID); got != models.BookingPendingExecution {
		t.Fatalf("booking status = %s, want PENDING_EXECUTION", got)
	}
	if len(f.emitter.kinds()) != 0 {
		t.Fatalf("replay emitted events: %v", f.emitter.kinds())
	}
}

func TestChargeSuccessUnknownReferenceAcked(t *testing.T) {
	f := newWebhookFixture()

	rr := f.postEvent(t, "charge.success", map[string]any{
		"reference": "pay-does-not-exist", "status": "success", "amount": 100,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.reconCalls() != 0 {
		t.Fatalf("reconcile called for unknown reference")
	}
}

func TestChargeSuccessBookingConflictNonFatal(t *testing.T) {
	f := newWebhookFixture()
	// Booking already cancelled; the payment half still records the money.
	b, p := f.addPair(models.BookingCancelled, models.PaymentPending)

	rr := f.postEvent(t, "charge.success", map[string]any{
		"reference": p.GatewayReference, "status": "success", "amount": 50000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentEscrow {
		t.Fatalf("payment status = %s, want ESCROW", got)
	}
	if got := f.bookings.status(b.ID); got != models.BookingCancelled {
		t.Fatalf("booking status = %s, want CANCELLED untouched", got)
	}
	if len(f.db.txs) != 1 || !f.db.txs[0].committed {
		t.Fatalf("expected the transaction to commit despite the booking conflict")
	}
	if f.reconCalls() != 1 {
		t.Fatalf("reconcile calls = %d, want 1", f.reconCalls())
	}
}

func TestChargeFailedMarksPayment(t *testing.T) {
	f := newWebhookFixture()
	b, p := f.addPair(models.BookingConfirmed, models.PaymentPending)

	rr := f.postEvent(t, "charge.failed", map[string]any{
		"reference": p.GatewayReference, "status": "failed", "amount": 50000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentFailed {
		t.Fatalf("payment status = %s, want FAILED", got)
	}
	if got := f.bookings.status(b.ID); got != models.BookingConfirmed {
		t.Fatalf("booking status = %s, want CONFIRMED untouched", got)
	}
}

func TestChargeFailedReplayAcked(t *testing.T) {
	f := newWebhookFixture()
	_, p := f.addPair(models.BookingPendingExecution, models.PaymentEscrow)

	rr := f.postEvent(t, "charge.failed", map[string]any{
		"reference": p.GatewayReference, "status": "failed", "amount": 50000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentEscrow {
		t.Fatalf("late charge.failed downgraded an escrowed payment: %s", got)
	}
}

// ----------------------------------------------------------------------------
// Transfer events
// ----------------------------------------------------------------------------

func TestTransferSuccessCompletesPair(t *testing.T) {
	f := newWebhookFixture()
	b, p := f.addPair(models.BookingAwaitingConfirmation, models.PaymentProcessingRelease)

	rr := f.postEvent(t, "transfer.success", map[string]any{
		"reference": "po-" + p.ID.String(), "transfer_code": *p.TransferCode, "status": "success",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentReleased {
		t.Fatalf("payment status = %s, want RELEASED", got)
	}
	if got := f.bookings.status(b.ID); got != models.BookingCompleted {
		t.Fatalf("booking status = %s, want COMPLETED", got)
	}
	kinds := f.emitter.kinds()
	if len(kinds) != 2 || kinds[0] != notify.KindPayoutReleased || kinds[1] != notify.KindBookingCompleted {
		t.Fatalf("emitted kinds = %v, want [payout.released booking.completed]", kinds)
	}
}

func TestTransferSuccessResolvesByTransferCode(t *testing.T) {
	f := newWebhookFixture()
	_, p := f.addPair(models.BookingAwaitingConfirmation, models.PaymentProcessingRelease)

	// No usable reference; the stored transfer code is the only handle.
	rr := f.postEvent(t, "transfer.success", map[string]any{
		"transfer_code": *p.TransferCode, "status": "success",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentReleased {
		t.Fatalf("payment status = %s, want RELEASED", got)
	}
}

func TestTransferSuccessReplayAcked(t *testing.T) {
	f := newWebhookFixture()
	_, p := f.addPair(models.BookingCompleted, models.PaymentReleased)

	rr := f.postEvent(t, "transfer.success", map[string]any{
		"reference": "po-" + p.ID.String(), "status": "success",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.payments.released != 0 {
		t.Fatalf("replay completed the release again")
	}
	if len(f.emitter.kinds()) != 0 {
		t.Fatalf("replay emitted events: %v", f.emitter.kinds())
	}
}

func TestTransferFailedRollsBack(t *testing.T) {
	f := newWebhookFixture()
	b, p := f.addPair(models.BookingAwaitingConfirmation, models.PaymentProcessingRelease)

	rr := f.postEvent(t, "transfer.failed", map[string]any{
		"reference": "po-" + p.ID.String(), "transfer_code": *p.TransferCode, "status": "failed",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentEscrow {
		t.Fatalf("payment status = %s, want ESCROW", got)
	}
	if got := f.bookings.status(b.ID); got != models.BookingAwaitingConfirmation {
		t.Fatalf("booking status = %s, want AWAITING_CONFIRMATION", got)
	}
	kinds := f.emitter.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindPayoutFailed {
		t.Fatalf("emitted kinds = %v, want [payout.failed]", kinds)
	}
	if f.emitter.events[0].Reason != "transfer_failed" {
		t.Fatalf("reason = %q, want transfer_failed", f.emitter.events[0].Reason)
	}
}

func TestTransferReversedResolvesByCodeAfterRollback(t *testing.T) {
	f := newWebhookFixture()
	_, p := f.addPair(models.BookingAwaitingConfirmation, models.PaymentProcessingRelease)

	rr := f.postEvent(t, "transfer.reversed", map[string]any{
		"reference": "po-" + p.ID.String(), "status": "reversed",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.payments.status(p.ID); got != models.PaymentEscrow {
		t.Fatalf("payment status = %s, want ESCROW", got)
	}
	if f.payments.rolledBack != 1 {
		t.Fatalf("rollbacks = %d, want 1", f.payments.rolledBack)
	}
	if f.emitter.events[0].Reason != "transfer_reversed" {
		t.Fatalf("reason = %q, want transfer_reversed", f.emitter.events[0].Reason)
	}
}

func TestTransferReversedAfterReleaseFlagsOperator(t *testing.T) {
	f := newWebhookFixture()
	b, p := f.addPair(models.BookingCompleted, models.PaymentReleased)

	rr := f.postEvent(t, "transfer.reversed", map[string]any{
		"reference": "po-" + p.ID.String(), "status": "reversed",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	// Released money is never silently clawed back; the pair stays put.
	if got := f.payments.status(p.ID); got != models.PaymentReleased {
		t.Fatalf("payment status = %s, want RELEASED untouched", got)
	}
	if got := f.bookings.status(b.ID); got != models.BookingCompleted {
		t.Fatalf("booking status = %s, want COMPLETED untouched", got)
	}
}

func TestTransferEventForUnknownPaymentAcked(t *testing.T) {
	f := newWebhookFixture()

	rr := f.postEvent(t, "transfer.success", map[string]any{
		"reference": "po-" + uuid.NewString(), "transfer_code": "TRF_ghost", "status": "success",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

// ----------------------------------------------------------------------------
// Unrecognized events
// ----------------------------------------------------------------------------

func TestUnknownEventAcked(t *testing.T) {
	f := newWebhookFixture()

	rr := f.postEvent(t, "subscription.create", map[string]any{"code": "SUB_x"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if f.reconCalls() != 0 {
		t.Fatalf("reconcile called for unrecognized event")
	}
}
