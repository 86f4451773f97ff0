package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/craftlink/backend/internal/models"
)

// HTTPClient talks to the escrow payment gateway's REST API. Responses use
// the gateway's {status, message, data} envelope and integer minor-unit
// amounts.
type HTTPClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	retry      Policy
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client with the given timeout. The timeout is the
// line between "rejected" and "unknown": once it trips, the outcome of the
// in-flight call must be treated as undetermined.
func NewHTTPClient(baseURL, secretKey string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultPolicy(),
		logger:     logger,
	}
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do performs one request and normalizes the outcome: ambiguity (transport
// error, 5xx, 429, unparseable body) becomes ErrGatewayUnavailable, an
// explicit refusal becomes ErrGatewayRejected.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal gateway request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", models.ErrGatewayUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", models.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s %s: http %d", models.ErrGatewayUnavailable, method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: unparseable response (http %d)", models.ErrGatewayUnavailable, resp.StatusCode)
	}

	if resp.StatusCode >= 400 || !env.Status {
		return nil, fmt.Errorf("%w: %s", models.ErrGatewayRejected, env.Message)
	}
	return env.Data, nil
}

func (c *HTTPClient) InitializePayment(ctx context.Context, req InitializePaymentRequest) (*InitializedPayment, error) {
	data, err := c.do(ctx, http.MethodPost, "/transaction/initialize", req)
	if err != nil {
		return nil, err
	}
	var out InitializedPayment
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode initialize response", models.ErrGatewayUnavailable)
	}
	return &out, nil
}

// VerifyTransfer fetches the transfer and reports its status. Any failure to
// get a definitive answer yields TransferUnknown with the underlying error;
// callers must treat that as "ask again later", never as failed.
func (c *HTTPClient) VerifyTransfer(ctx context.Context, transferCode string) (TransferStatus, error) {
	var data json.RawMessage
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.do(ctx, http.MethodGet, "/transfer/"+url.PathEscape(transferCode), nil)
		return err
	})
	if err != nil {
		return TransferUnknown, err
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return TransferUnknown, fmt.Errorf("%w: decode transfer response", models.ErrGatewayUnavailable)
	}

	switch TransferStatus(out.Status) {
	case TransferPending, TransferSuccess, TransferFailed, TransferReversed:
		return TransferStatus(out.Status), nil
	default:
		// New or renamed gateway statuses get the conservative reading.
		return TransferUnknown, nil
	}
}

func (c *HTTPClient) ListBanks(ctx context.Context, country string) ([]models.Bank, error) {
	var data json.RawMessage
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.do(ctx, http.MethodGet, "/bank?country="+url.QueryEscape(country), nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	var banks []models.Bank
	if err := json.Unmarshal(data, &banks); err != nil {
		return nil, fmt.Errorf("%w: decode bank list", models.ErrGatewayUnavailable)
	}
	for i := range banks {
		if banks[i].Country == "" {
			banks[i].Country = country
		}
	}
	return banks, nil
}

// ValidateBankCode resolves a bank code against the gateway's directory.
// false with a nil error is a definitive "no such bank".
func (c *HTTPClient) ValidateBankCode(ctx context.Context, bankCode, country string) (bool, error) {
	banks, err := c.ListBanks(ctx, country)
	if err != nil {
		return false, err
	}
	for _, b := range banks {
		if b.Code == bankCode {
			return true, nil
		}
	}
	return false, nil
}

func (c *HTTPClient) CreateTransferRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	body := struct {
		Type string `json:"type"`
		RecipientRequest
	}{Type: "nuban", RecipientRequest: req}

	data, err := c.do(ctx, http.MethodPost, "/transferrecipient", body)
	if err != nil {
		return "", err
	}
	var out struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.RecipientCode == "" {
		return "", fmt.Errorf("%w: decode recipient response", models.ErrGatewayUnavailable)
	}
	return out.RecipientCode, nil
}

// InitiateTransfer starts a payout. Not retried: on an ambiguous outcome the
// transfer may or may not exist, and re-sending the same reference is the
// caller's deliberate decision, deduplicated gateway-side.
func (c *HTTPClient) InitiateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	body := struct {
		Source string `json:"source"`
		TransferRequest
	}{Source: "balance", TransferRequest: req}

	data, err := c.do(ctx, http.MethodPost, "/transfer", body)
	if err != nil {
		return "", err
	}
	var out struct {
		TransferCode string `json:"transfer_code"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.TransferCode == "" {
		return "", fmt.Errorf("%w: decode transfer response", models.ErrGatewayUnavailable)
	}
	return out.TransferCode, nil
}
