// Package ratelimit throttles login attempts per identity with token
// buckets.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amirk1998/classroom-access/pkg/errors"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one bucket per key. Keys are case-insensitive so that
// "stu001" and "STU001" share a bucket, matching identity lookup.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
}

// NewRateLimiter creates a limiter allowing rps attempts per second with the
// given burst. A non-positive rps returns nil, which allows everything.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*entry),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  10 * time.Minute,
	}
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (rl *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key = normalize(key)
	e, ok := rl.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// AllowAt reports whether one attempt for key may proceed at now.
func (rl *RateLimiter) AllowAt(key string, now time.Time) bool {
	if rl == nil {
		return true
	}
	return rl.get(key, now).AllowN(now, 1)
}

// CheckLimit returns ErrRateLimitExceeded when key has no tokens left.
func (rl *RateLimiter) CheckLimit(key string, now time.Time) error {
	if !rl.AllowAt(key, now) {
		return errors.ErrRateLimitExceeded
	}
	return nil
}

// Cleanup drops buckets idle since before now - idleTTL.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker runs Cleanup every interval until ctx is done.
func (rl *RateLimiter) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	if rl == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.Cleanup(now)
		}
	}
}
