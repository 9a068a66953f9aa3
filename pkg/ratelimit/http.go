package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/msa-sandbox/crm/pkg/auth"
	"github.com/msa-sandbox/crm/pkg/httpx"
)

const ReasonRateLimited = "rate_limited"

// PerUser limits authenticated requests per user id. Requests without a principal are public
// and pass through.
func PerUser(l Limiter, limit int, logger *slog.Logger, onReject func(reason string)) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || l == nil {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), strconv.FormatInt(p.UserID(), 10), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if onReject != nil {
					onReject(ReasonRateLimited)
				}
				logger.Info("rate limit exceeded", "user_id", p.UserID(), "limit", d.Limit, "request_id", httpx.RequestID(r.Context()))
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now())))
				httpx.Error(w, http.StatusTooManyRequests, "Limit is exceeded, try next second")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
