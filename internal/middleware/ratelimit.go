package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/craftlink/backend/internal/ratelimit"
)

// Limiter is the slice of the rate limiter the middleware consumes.
type Limiter interface {
	Allow(ctx context.Context, actor, action string) (ratelimit.Decision, error)
}

// RateLimit guards an action with the given limiter. The actor is the
// authenticated account when present, otherwise the client IP; when the route
// carries an {id} path segment the bucket is additionally scoped to it, so
// hammering one booking cannot starve another.
func RateLimit(limiter Limiter, action string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := "anon"
			if ident := IdentityFromCtx(r.Context()); ident != nil {
				actor = ident.AccountID.String()
			} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				actor = host
			}

			scopedAction := action
			if id := r.PathValue("id"); id != "" {
				scopedAction = action + ":" + id
			}

			decision, err := limiter.Allow(r.Context(), actor, scopedAction)
			if err != nil {
				// Redis trouble never blocks traffic.
				logger.Warn("rate limiter unavailable, allowing request", "action", action, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			}

			if !decision.Allowed {
				secs := int(math.Ceil(decision.RetryAfter.Seconds()))
				if secs < 0 {
					secs = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"too many requests","retry_after":%d}`, secs)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
