package bank

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/craftlink/backend/internal/models"
)

// Repository owns the bank_accounts table, one row per provider.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const bankAccountColumns = `id, provider_id, bank_code, account_number, account_name, recipient_code, country, created_at, updated_at`

func scanBankAccount(row pgx.Row) (*models.BankAccount, error) {
	var a models.BankAccount
	err := row.Scan(&a.ID, &a.ProviderID, &a.BankCode, &a.AccountNumber, &a.AccountName,
		&a.RecipientCode, &a.Country, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrBankAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// Upsert writes the provider's payout destination. When the bank code or
// account number changes, the stored recipient code is cleared in the same
// statement so the next payout registers a fresh gateway recipient instead of
// paying the old account.
func (r *Repository) Upsert(ctx context.Context, a *models.BankAccount) (*models.BankAccount, error) {
	return scanBankAccount(r.pool.QueryRow(ctx, `
		INSERT INTO bank_accounts (id, provider_id, bank_code, account_number, account_name, country)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_id) DO UPDATE SET
			bank_code = EXCLUDED.bank_code,
			account_number = EXCLUDED.account_number,
			account_name = EXCLUDED.account_name,
			country = EXCLUDED.country,
			recipient_code = CASE
				WHEN bank_accounts.bank_code <> EXCLUDED.bank_code
					OR bank_accounts.account_number <> EXCLUDED.account_number
				THEN NULL
				ELSE bank_accounts.recipient_code
			END,
			updated_at = now()
		RETURNING `+bankAccountColumns+`
	`, a.ID, a.ProviderID, a.BankCode, a.AccountNumber, a.AccountName, a.Country))
}

func (r *Repository) GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error) {
	return scanBankAccount(r.pool.QueryRow(ctx,
		`SELECT `+bankAccountColumns+` FROM bank_accounts WHERE provider_id = $1`, providerID))
}

// SetRecipientCode stores the gateway recipient handle registered for the
// current details.
func (r *Repository) SetRecipientCode(ctx context.Context, id uuid.UUID, code string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bank_accounts SET recipient_code = $1, updated_at = now()
		WHERE id = $2
	`, code, id)
	return err
}
