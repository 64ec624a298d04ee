package util

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket limiter for outbound broker calls. It wraps
// rate.Limiter and tracks a backoff that grows while the broker answers with
// rate-limit errors.
type RateLimiter struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	backoff     time.Duration
	maxWait     time.Duration
	pausedUntil time.Time
}

const minRateBackoff = 100 * time.Millisecond

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 1), backoff: minRateBackoff, maxWait: time.Minute}
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	if burst > 5 {
		burst = 5
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		backoff: minRateBackoff,
		maxWait: time.Minute,
	}
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled. After SignalRateLimited it also waits out the current backoff.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	pause := time.Until(rl.pausedUntil)
	rl.mu.Unlock()
	if pause > 0 {
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return rl.limiter.Wait(ctx)
}

// Allow reports whether an operation may happen now without waiting.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// SignalRateLimited doubles the backoff after the broker rejected a call for
// exceeding its rate limit, and returns the new backoff.
func (rl *RateLimiter) SignalRateLimited() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.backoff *= 2
	if rl.backoff > rl.maxWait {
		rl.backoff = rl.maxWait
	}
	rl.pausedUntil = time.Now().Add(rl.backoff)
	return rl.backoff
}

// ResetBackoff restores the minimum backoff after a successful call.
func (rl *RateLimiter) ResetBackoff() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.backoff = minRateBackoff
}

// Backoff returns the current backoff duration.
func (rl *RateLimiter) Backoff() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.backoff
}
