package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/craftlink/backend/internal/ratelimit"
)

func muted() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var countedHandler = func(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	})
}

type stubLimiter struct {
	decision ratelimit.Decision
	actor    string
	action   string
}

func (s *stubLimiter) Allow(_ context.Context, actor, action string) (ratelimit.Decision, error) {
	s.actor = actor
	s.action = action
	return s.decision, nil
}

func TestRateLimit_NilLimiterAllows(t *testing.T) {
	calls := 0
	mw := RateLimit(nil, "booking.sync", muted())(countedHandler(&calls))

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bookings/x/sync", nil))

	if rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("nil limiter blocked: code=%d calls=%d", rec.Code, calls)
	}
}

func TestRateLimit_NoRedisAllowsWithoutHeaders(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.PerWindow(1, time.Minute))
	calls := 0
	mw := RateLimit(limiter, "booking.sync", muted())(countedHandler(&calls))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		mw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bookings/x/sync", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("headers set despite limiter running without redis")
		}
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
}

func TestRateLimit_DeniedRequestGets429(t *testing.T) {
	stub := &stubLimiter{decision: ratelimit.Decision{Limit: 3, Remaining: 0, RetryAfter: 37 * time.Second}}
	calls := 0
	mw := RateLimit(stub, "payment.init", muted())(countedHandler(&calls))

	accountID := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/bookings/bk-1/pay", nil)
	req.SetPathValue("id", "bk-1")
	req = req.WithContext(WithIdentity(req.Context(), &Identity{AccountID: accountID, Role: "client"}))

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if calls != 0 {
		t.Fatal("handler ran despite denial")
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if got := rec.Header().Get("Retry-After"); got != "37" {
		t.Errorf("Retry-After = %q, want 37", got)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"retry_after":37`) {
		t.Errorf("body = %s, missing retry_after", body)
	}
	if stub.actor != accountID.String() {
		t.Errorf("bucket actor = %q, want account id", stub.actor)
	}
	if stub.action != "payment.init:bk-1" {
		t.Errorf("bucket action = %q, want id-scoped action", stub.action)
	}
}

func TestRateLimit_AllowedRequestCarriesHeaders(t *testing.T) {
	stub := &stubLimiter{decision: ratelimit.Decision{Allowed: true, Limit: 3, Remaining: 1}}
	calls := 0
	mw := RateLimit(stub, "booking.sync", muted())(countedHandler(&calls))

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bookings/x/sync", nil))

	if rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("allowed request blocked: code=%d calls=%d", rec.Code, calls)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("X-RateLimit-Limit = %q, want 3", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
	// Anonymous request: the bucket actor falls back to the client IP.
	if stub.actor != "192.0.2.1" {
		t.Errorf("bucket actor = %q, want httptest client IP", stub.actor)
	}
}

func TestRateLimit_RedisDownFailsOpen(t *testing.T) {
	// Port 0 is never connectable; every Allow call errors immediately.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", DialTimeout: 100 * time.Millisecond})
	limiter := ratelimit.New(rdb, ratelimit.PerWindow(1, time.Minute))

	calls := 0
	mw := RateLimit(limiter, "payment.init", muted())(countedHandler(&calls))

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/bookings/x/pay", nil))

	if rec.Code != http.StatusOK || calls != 1 {
		t.Fatalf("redis outage blocked traffic: code=%d calls=%d", rec.Code, calls)
	}
}
