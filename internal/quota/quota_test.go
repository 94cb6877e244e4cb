package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*RateLimiter, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.now = c.now
	return rl, c
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < 10; i++ {
		if !rl.Allow(1, 10) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow(1, 10) {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl, _ := newTestLimiter()
	for i := 0; i < 1000; i++ {
		if !rl.Allow(1, 0) {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl, c := newTestLimiter()
	rpm := 60 // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow(1, rpm)
	}
	if rl.Allow(1, rpm) {
		t.Error("should be rate limited after exhausting tokens")
	}
	if got := rl.RetryAfter(1, rpm); got < 1 {
		t.Errorf("expected retry-after >= 1, got %d", got)
	}

	c.advance(1100 * time.Millisecond)
	if !rl.Allow(1, rpm) {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterMultipleUsers(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		rl.Allow(1, 5)
	}
	if rl.Allow(1, 5) {
		t.Error("user 1 should be rate limited")
	}
	if !rl.Allow(2, 5) {
		t.Error("user 2 should not be affected by user 1's rate limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, c := newTestLimiter()
	rl.Allow(1, 10)
	c.advance(2 * time.Hour)
	rl.Allow(2, 10)

	rl.Cleanup(time.Hour)
	if len(rl.buckets) != 1 {
		t.Fatalf("expected 1 bucket after cleanup, got %d", len(rl.buckets))
	}
	if _, ok := rl.buckets[2]; !ok {
		t.Error("recent bucket was removed")
	}
}

type fixedQuotas map[int]int

func (f fixedQuotas) GetQuota(_ context.Context, userID int) (*Quota, error) {
	return &Quota{UserID: userID, MaxRequestsPerMin: f[userID]}, nil
}

type ctxKey struct{}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter()
	userFromCtx := func(ctx context.Context) (int, bool) {
		id, ok := ctx.Value(ctxKey{}).(int)
		return id, ok
	}
	h := RateLimitMiddleware(rl, fixedQuotas{1: 2}, userFromCtx)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(withUser bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
		if withUser {
			req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, 1))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(true); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i+1, rec.Code)
		}
	}
	rec := do(true)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec := do(false); rec.Code != http.StatusNoContent {
		t.Errorf("anonymous request: status %d", rec.Code)
	}
}

func TestGetQuotaServedFromCache(t *testing.T) {
	// nil db: any query would panic
	s := NewQuotaStore(nil, Quota{MaxRequestsPerMin: 60})
	s.cached.Set(cacheKey(7), Quota{UserID: 7, MaxRequestsPerMin: 5}, 0)

	q, err := s.GetQuota(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if q.UserID != 7 || q.MaxRequestsPerMin != 5 {
		t.Errorf("got %+v", q)
	}

	// callers get a copy
	q.MaxRequestsPerMin = 1000
	again, _ := s.GetQuota(context.Background(), 7)
	if again.MaxRequestsPerMin != 5 {
		t.Errorf("cached quota was mutated: %+v", again)
	}
}
