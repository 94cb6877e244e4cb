package quota

import (
	"sync"
	"time"
)

// RateLimiter implements per-user token bucket rate limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[int]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens     float64
	capacity   float64
	perSecond  float64
	lastRefill time.Time
}

// refill tops the bucket up for the time elapsed since the last call and
// resizes it when the user's limit changed.
func (b *bucket) refill(rpm int, now time.Time) {
	if capacity := float64(rpm); b.capacity != capacity {
		b.capacity = capacity
		b.perSecond = capacity / 60.0
	}
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.perSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// NewRateLimiter creates a new per-user rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[int]*bucket),
		now:     time.Now,
	}
}

// Allow reports whether a request from userID fits in rpm requests per
// minute, consuming a token if so. rpm <= 0 means unlimited.
func (rl *RateLimiter) Allow(userID int, rpm int) bool {
	if rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{tokens: float64(rpm), lastRefill: now}
		rl.buckets[userID] = b
	}
	b.refill(rpm, now)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(userID int, rpm int) int {
	if rpm <= 0 {
		return 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[userID]
	if !ok || b.tokens >= 1 {
		return 0
	}
	return int((1.0-b.tokens)/b.perSecond) + 1
}

// Cleanup removes buckets for users that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for userID, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, userID)
		}
	}
}
