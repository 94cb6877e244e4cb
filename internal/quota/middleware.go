package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
)

// UserIDFromContext extracts the authenticated user from a request context.
type UserIDFromContext func(ctx context.Context) (userID int, ok bool)

// QuotaSource looks up a user's limits.
type QuotaSource interface {
	GetQuota(ctx context.Context, userID int) (*Quota, error)
}

// RateLimitMiddleware throttles each user to their MaxRequestsPerMin.
// Anonymous requests, users without a limit and failed quota lookups pass.
func RateLimitMiddleware(limiter *RateLimiter, quotas QuotaSource, userID UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid, ok := userID(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			q, err := quotas.GetQuota(r.Context(), uid)
			if err != nil {
				logging.WithContext(r.Context()).Warn("quota lookup failed, not rate limiting", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			rpm := q.MaxRequestsPerMin
			if rpm <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rpm))
			if limiter.Allow(uid, rpm) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(uid, rpm)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(protocol.ErrorResponse{
				Error:   "rate limit exceeded",
				Code:    http.StatusTooManyRequests,
				Details: strconv.Itoa(rpm) + " requests per minute",
			})
		})
	}
}
