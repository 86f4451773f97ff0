package bank

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/craftlink/backend/internal/middleware"
	"github.com/craftlink/backend/internal/models"
)

type upsertAccountRequest struct {
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	Country       string `json:"country"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// UpsertAccount handles PUT /v1/providers/bank-account.
func (h *Handler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.provider(w, r)
	if !ok {
		return
	}
	var req upsertAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	acc, err := h.svc.UpsertAccount(r.Context(), ident.AccountID, UpsertRequest{
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		Country:       req.Country,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetAccount handles GET /v1/providers/bank-account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.provider(w, r)
	if !ok {
		return
	}
	acc, err := h.svc.GetAccount(r.Context(), ident.AccountID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ListBanks handles GET /v1/banks. Any authenticated caller may browse the
// directory.
func (h *Handler) ListBanks(w http.ResponseWriter, r *http.Request) {
	if middleware.IdentityFromCtx(r.Context()) == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	banks, err := h.svc.ListBanks(r.Context(), r.URL.Query().Get("country"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": banks})
}

// provider extracts the identity and requires the provider role; bank
// accounts belong to the calling provider, never to a third party.
func (h *Handler) provider(w http.ResponseWriter, r *http.Request) (*middleware.Identity, bool) {
	ident := middleware.IdentityFromCtx(r.Context())
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if ident.Role != models.RoleProvider {
		writeError(w, http.StatusForbidden, "provider role required")
		return nil, false
	}
	return ident, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrBankAccountNotFound):
		writeError(w, http.StatusNotFound, "no bank account on file")
	case errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "bank directory unavailable, retry shortly")
	default:
		h.log.Error("bank request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
