package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/craftlink/backend/internal/models"
)

// Repository owns the payments table. Every status change is a conditional
// UPDATE guarded by the expected current status; zero rows affected means a
// concurrent writer got there first and surfaces as ErrStateConflict.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so each transition has
// a pool form and a form that joins the caller's transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const paymentColumns = `id, booking_id, client_id, provider_id, amount, escrow_amount, platform_fee, status, gateway_reference, transfer_code, created_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.BookingID, &p.ClientID, &p.ProviderID, &p.Amount, &p.EscrowAmount, &p.PlatformFee,
		&p.Status, &p.GatewayReference, &p.TransferCode, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Create inserts a PENDING payment. A partial unique index on booking_id
// (WHERE status <> 'FAILED') makes the loser of a concurrent initialization
// race fail here with ErrDuplicatePayment.
func (r *Repository) Create(ctx context.Context, p *models.Payment) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, booking_id, client_id, provider_id, amount, escrow_amount, platform_fee, status, gateway_reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, p.ID, p.BookingID, p.ClientID, p.ProviderID, p.Amount, p.EscrowAmount, p.PlatformFee, p.Status, p.GatewayReference).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return models.ErrDuplicatePayment
	}
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetByBookingID returns the booking's live payment, ignoring FAILED attempts.
func (r *Repository) GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE booking_id = $1 AND status <> 'FAILED'
		ORDER BY created_at DESC
		LIMIT 1
	`, bookingID))
}

func (r *Repository) GetByReference(ctx context.Context, reference string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_reference = $1`, reference))
}

func (r *Repository) GetByTransferCode(ctx context.Context, transferCode string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transfer_code = $1`, transferCode))
}

func (r *Repository) transition(ctx context.Context, db execer, id uuid.UUID, from, to models.PaymentStatus) error {
	result, err := db.Exec(ctx, `
		UPDATE payments SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// MarkEscrowed records the client's money arriving in gateway escrow.
// Runs in the webhook's transaction alongside the booking advance.
func (r *Repository) MarkEscrowed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.transition(ctx, tx, id, models.PaymentPending, models.PaymentEscrow)
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, r.pool, id, models.PaymentPending, models.PaymentFailed)
}

func (r *Repository) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.transition(ctx, tx, id, models.PaymentPending, models.PaymentFailed)
}

// BeginRelease moves ESCROW -> PROCESSING_RELEASE and records the transfer
// code in the same statement. The transfer_code IS NULL guard means a payment
// can only ever carry one attempted transfer at a time.
func (r *Repository) BeginRelease(ctx context.Context, id uuid.UUID, transferCode string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE payments SET status = $1, transfer_code = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND transfer_code IS NULL
	`, models.PaymentProcessingRelease, transferCode, id, models.PaymentEscrow)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// CompleteRelease moves PROCESSING_RELEASE -> RELEASED. Runs in the caller's
// transaction so the booking lands on COMPLETED atomically with it.
func (r *Repository) CompleteRelease(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.transition(ctx, tx, id, models.PaymentProcessingRelease, models.PaymentReleased)
}

// RollbackRelease returns a payment to ESCROW after a failed or abandoned
// transfer and clears the transfer code so a fresh payout can be attempted.
func (r *Repository) RollbackRelease(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE payments SET status = $1, transfer_code = NULL, updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.PaymentEscrow, id, models.PaymentProcessingRelease)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// ListStaleReleases returns booking IDs whose payments have sat in
// PROCESSING_RELEASE since before the cutoff. Input for the sweep job.
func (r *Repository) ListStaleReleases(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT booking_id FROM payments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, models.PaymentProcessingRelease, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookingIDs(rows)
}

// ListEscrowedAwaitingPayout returns booking IDs where the client has
// confirmed completion but no transfer was ever started, so the payout job
// can be re-enqueued if it was lost.
func (r *Repository) ListEscrowedAwaitingPayout(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.booking_id FROM payments p
		JOIN bookings b ON b.id = p.booking_id
		WHERE p.status = $1 AND b.status = $2 AND p.updated_at < $3
		ORDER BY p.updated_at ASC
		LIMIT $4
	`, models.PaymentEscrow, models.BookingAwaitingConfirmation, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookingIDs(rows)
}

func scanBookingIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
