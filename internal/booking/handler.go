package booking

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/craftlink/backend/internal/ledger"
	"github.com/craftlink/backend/internal/middleware"
	"github.com/craftlink/backend/internal/models"
)

type createBookingRequest struct {
	ProviderID   uuid.UUID `json:"provider_id"`
	ServiceID    uuid.UUID `json:"service_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Amount       int64     `json:"amount"`
	Address      string    `json:"address"`
}

type payRequest struct {
	CallbackURL string `json:"callback_url"`
}

type payResponse struct {
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code"`
	Reference        string          `json:"reference"`
	Payment          *models.Payment `json:"payment"`
	Booking          *models.Booking `json:"booking"`
}

type Handler struct {
	svc      Service
	payments ledger.Service
	log      *slog.Logger
}

func NewHandler(svc Service, payments ledger.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, payments: payments, log: log}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	b, err := h.svc.Create(r.Context(), actor, CreateRequest{
		ProviderID:   req.ProviderID,
		ServiceID:    req.ServiceID,
		ScheduledFor: req.ScheduledFor,
		Amount:       req.Amount,
		Address:      req.Address,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	bookings, err := h.svc.List(r.Context(), actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Accept(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Cancel(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) ConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	b, err := h.svc.ConfirmCompletion(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Pay starts the checkout. The body is optional; an empty or absent
// callback_url falls back to the configured default.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	session, err := h.payments.Initialize(r.Context(), id, actor.AccountID, req.CallbackURL)
	if err != nil {
		h.respondError(w, err)
		return
	}
	b, err := h.svc.Get(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payResponse{
		AuthorizationURL: session.AuthorizationURL,
		AccessCode:       session.AccessCode,
		Reference:        session.Payment.GatewayReference,
		Payment:          session.Payment,
		Booking:          b,
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.StatusView(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	outcome, err := h.svc.Sync(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	ident := middleware.IdentityFromCtx(r.Context())
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return Actor{}, false
	}
	return Actor{AccountID: ident.AccountID, Operator: ident.IsOperator()}, true
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid booking id")
		return Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking not found")
	case errors.Is(err, models.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, models.ErrForbidden):
		writeError(w, http.StatusForbidden, "not a party to this booking")
	case errors.Is(err, models.ErrDuplicatePayment):
		writeError(w, http.StatusBadRequest, "payment already exists for this booking")
	case errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrGatewayRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment gateway unavailable, retry shortly")
	case errors.Is(err, models.ErrStateConflict):
		writeError(w, http.StatusConflict, "conflicting update in progress, retry")
	default:
		h.log.Error("request failed", "error", err)
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
