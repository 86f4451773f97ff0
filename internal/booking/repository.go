package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/craftlink/backend/internal/models"
)

// Repository owns the bookings table. Status changes are conditional updates
// guarded by the expected current status; losing a race surfaces as
// ErrStateConflict, never as a silent overwrite.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const bookingColumns = `id, client_id, provider_id, service_id, status, scheduled_for, amount, address, created_at, updated_at`

func scanBooking(row pgx.Row) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(&b.ID, &b.ClientID, &b.ProviderID, &b.ServiceID, &b.Status, &b.ScheduledFor, &b.Amount, &b.Address, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *Repository) Create(ctx context.Context, b *models.Booking) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO bookings (id, client_id, provider_id, service_id, status, scheduled_for, amount, address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, b.ID, b.ClientID, b.ProviderID, b.ServiceID, b.Status, b.ScheduledFor, b.Amount, b.Address).
		Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

// ListByAccount returns the bookings the account participates in, either side.
func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE client_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *Repository) transition(ctx context.Context, db execer, id uuid.UUID, from, to models.BookingStatus) error {
	result, err := db.Exec(ctx, `
		UPDATE bookings SET status = $1, updated_at = now()
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

func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to models.BookingStatus) error {
	return r.transition(ctx, r.pool, id, from, to)
}

func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to models.BookingStatus) error {
	return r.transition(ctx, tx, id, from, to)
}

func (r *Repository) markPendingExecution(ctx context.Context, db execer, id uuid.UUID) error {
	result, err := db.Exec(ctx, `
		UPDATE bookings SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ($3, $4)
	`, models.BookingPendingExecution, id, models.BookingPending, models.BookingConfirmed)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// MarkPendingExecution advances a freshly paid booking. Accepts either
// pre-payment status so a webhook racing a provider's accept cannot wedge.
func (r *Repository) MarkPendingExecution(ctx context.Context, id uuid.UUID) error {
	return r.markPendingExecution(ctx, r.pool, id)
}

func (r *Repository) MarkPendingExecutionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.markPendingExecution(ctx, tx, id)
}

func (r *Repository) complete(ctx context.Context, db execer, id uuid.UUID) error {
	result, err := db.Exec(ctx, `
		UPDATE bookings SET status = $1, updated_at = now()
		WHERE id = $2 AND status NOT IN ($3, $4)
	`, models.BookingCompleted, id, models.BookingCompleted, models.BookingCancelled)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrStateConflict
	}
	return nil
}

// Complete force-completes a booking whose payment has fully released.
// Used by terminal-drift repair, so it accepts any non-terminal status; a
// cancelled booking is never resurrected.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID) error {
	return r.complete(ctx, r.pool, id)
}

func (r *Repository) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.complete(ctx, tx, id)
}
