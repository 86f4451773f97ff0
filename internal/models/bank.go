package models

import (
	"time"

	"github.com/google/uuid"
)

// BankAccount holds a provider's payout destination. RecipientCode is the
// gateway-side beneficiary handle; it is cleared whenever the underlying bank
// details change so the next payout re-registers the recipient.
type BankAccount struct {
	ID            uuid.UUID `json:"id"`
	ProviderID    uuid.UUID `json:"provider_id"`
	BankCode      string    `json:"bank_code"`
	AccountNumber string    `json:"account_number"`
	AccountName   string    `json:"account_name"`
	RecipientCode *string   `json:"recipient_code,omitempty"`
	Country       string    `json:"country"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Complete reports whether the details are sufficient to attempt a payout.
func (b *BankAccount) Complete() bool {
	return b.BankCode != "" && b.AccountNumber != "" && b.AccountName != ""
}

// Bank is one entry of the gateway's bank directory.
type Bank struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Country string `json:"country"`
}
