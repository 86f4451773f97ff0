package router

import (
	"log/slog"
	"net/http"

	"github.com/craftlink/backend/internal/auth"
	"github.com/craftlink/backend/internal/bank"
	"github.com/craftlink/backend/internal/booking"
	"github.com/craftlink/backend/internal/middleware"
	"github.com/craftlink/backend/internal/ratelimit"
	"github.com/craftlink/backend/internal/webhook"
)

// Deps bundles the handlers and cross-cutting pieces the HTTP surface needs.
type Deps struct {
	Auth     *auth.Handler
	Bookings *booking.Handler
	Banks    *bank.Handler
	Webhooks *webhook.Handler

	Tokens      middleware.TokenValidator
	SyncLimiter *ratelimit.Limiter
	PayLimiter  *ratelimit.Limiter
	Logger      *slog.Logger
}

// New returns the /v1 API handler. Sync and pay carry their own rate
// limiters; the webhook stays outside the JWT chain because it authenticates
// by signature.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authn := middleware.JWTAuth(d.Tokens)
	limitSync := middleware.RateLimit(d.SyncLimiter, "booking.sync", d.Logger)
	limitPay := middleware.RateLimit(d.PayLimiter, "payment.init", d.Logger)

	mux.HandleFunc("POST /v1/auth/register", d.Auth.Register)
	mux.HandleFunc("POST /v1/auth/login", d.Auth.Login)
	mux.HandleFunc("POST /v1/webhooks/gateway", d.Webhooks.Receive)
	mux.HandleFunc("GET /v1/healthz", healthz)

	authed := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authn(h))
	}

	authed("GET /v1/me", d.Auth.Me)

	authed("POST /v1/bookings", d.Bookings.Create)
	authed("GET /v1/bookings", d.Bookings.List)
	authed("GET /v1/bookings/{id}", d.Bookings.Get)
	authed("POST /v1/bookings/{id}/accept", d.Bookings.Accept)
	authed("POST /v1/bookings/{id}/cancel", d.Bookings.Cancel)
	authed("POST /v1/bookings/{id}/complete", d.Bookings.ConfirmCompletion)
	authed("GET /v1/bookings/{id}/status", d.Bookings.Status)
	mux.Handle("POST /v1/bookings/{id}/pay", authn(limitPay(http.HandlerFunc(d.Bookings.Pay))))
	mux.Handle("POST /v1/bookings/{id}/sync", authn(limitSync(http.HandlerFunc(d.Bookings.Sync))))

	authed("PUT /v1/providers/bank-account", d.Banks.UpsertAccount)
	authed("GET /v1/providers/bank-account", d.Banks.GetAccount)
	authed("GET /v1/banks", d.Banks.ListBanks)

	return mux
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
