package gateway

import (
	"context"

	"github.com/craftlink/backend/internal/models"
)

// TransferStatus is the gateway's view of a payout transfer.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferSuccess  TransferStatus = "success"
	TransferFailed   TransferStatus = "failed"
	TransferReversed TransferStatus = "reversed"

	// TransferUnknown covers timeouts, network errors, 5xx and unparseable
	// responses. Ambiguity is never reported as a definitive failure.
	TransferUnknown TransferStatus = "unknown"
)

type InitializePaymentRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InitializedPayment is the gateway's handle for a started checkout.
type InitializedPayment struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type RecipientRequest struct {
	Name          string `json:"name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
	Currency      string `json:"currency,omitempty"`
}

type TransferRequest struct {
	Amount        int64  `json:"amount"`
	RecipientCode string `json:"recipient"`
	Reference     string `json:"reference"`
	Reason        string `json:"reason,omitempty"`
}

// Client is the full gateway surface the service consumes. Implementations
// talk to the gateway and nothing else; they never touch local state, so every
// caller stays free to decide what an outcome means for its own records.
type Client interface {
	InitializePayment(ctx context.Context, req InitializePaymentRequest) (*InitializedPayment, error)
	VerifyTransfer(ctx context.Context, transferCode string) (TransferStatus, error)
	ListBanks(ctx context.Context, country string) ([]models.Bank, error)
	ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error)
	CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (string, error)
}
