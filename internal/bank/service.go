package bank

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/craftlink/backend/internal/models"
)

// Store is the persistence surface the service needs.
type Store interface {
	Upsert(ctx context.Context, a *models.BankAccount) (*models.BankAccount, error)
	GetByProviderID(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error)
}

// DirectorySource answers bank-list and bank-code questions.
type DirectorySource interface {
	ListBanks(ctx context.Context, country string) ([]models.Bank, error)
	ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error)
}

type UpsertRequest struct {
	BankCode      string
	AccountNumber string
	AccountName   string
	Country       string
}

// Service manages provider payout destinations and the public bank list.
type Service interface {
	UpsertAccount(ctx context.Context, providerID uuid.UUID, req UpsertRequest) (*models.BankAccount, error)
	GetAccount(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error)
	ListBanks(ctx context.Context, country string) ([]models.Bank, error)
}

type service struct {
	store          Store
	dir            DirectorySource
	defaultCountry string
	logger         *slog.Logger
}

var _ Service = (*service)(nil)

func NewService(store Store, dir DirectorySource, defaultCountry string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{store: store, dir: dir, defaultCountry: defaultCountry, logger: logger}
}

// UpsertAccount stores the provider's payout destination. The bank code is
// checked against the directory when the directory answers; an unreachable
// directory does not block registration, since the payout path validates the
// code again before money moves.
func (s *service) UpsertAccount(ctx context.Context, providerID uuid.UUID, req UpsertRequest) (*models.BankAccount, error) {
	req.BankCode = strings.TrimSpace(req.BankCode)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.AccountName = strings.TrimSpace(req.AccountName)
	req.Country = strings.TrimSpace(req.Country)

	if req.BankCode == "" || req.AccountNumber == "" || req.AccountName == "" {
		return nil, fmt.Errorf("bank code, account number and account name are required: %w", models.ErrInvalidState)
	}
	if req.Country == "" {
		req.Country = s.defaultCountry
	}

	valid, err := s.dir.ValidateBankCode(ctx, req.BankCode, req.Country)
	if err != nil {
		s.logger.Warn("bank code validation unavailable, accepting details unchecked",
			"provider_id", providerID, "bank_code", req.BankCode, "error", err)
	} else if !valid {
		return nil, fmt.Errorf("unknown bank code %q: %w", req.BankCode, models.ErrInvalidState)
	}

	stored, err := s.store.Upsert(ctx, &models.BankAccount{
		ID:            uuid.New(),
		ProviderID:    providerID,
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		Country:       req.Country,
	})
	if err != nil {
		return nil, fmt.Errorf("store bank account: %w", err)
	}

	s.logger.Info("bank account saved", "provider_id", providerID, "bank_code", stored.BankCode)
	return stored, nil
}

func (s *service) GetAccount(ctx context.Context, providerID uuid.UUID) (*models.BankAccount, error) {
	return s.store.GetByProviderID(ctx, providerID)
}

func (s *service) ListBanks(ctx context.Context, country string) ([]models.Bank, error) {
	if strings.TrimSpace(country) == "" {
		country = s.defaultCountry
	}
	banks, err := s.dir.ListBanks(ctx, country)
	if err != nil {
		return nil, err
	}
	if banks == nil {
		banks = []models.Bank{}
	}
	return banks, nil
}
