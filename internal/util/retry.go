package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tradedesk/internal/domain"
)

// RetryPolicy parameterises retries at a network call site: how many
// attempts, the first delay, the growth cap and how much jitter to apply.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // randomization factor in [0, 1)
}

// DefaultRetryPolicy is used when a component is configured without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      0.2,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	return b
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. retryable decides which errors are retried; a nil
// retryable retries only transient errors. onRetry, if set, observes each
// failed attempt before the policy sleeps. The last error is returned.
func Do[T any](ctx context.Context, p RetryPolicy, retryable func(error) bool, onRetry func(attempt int, err error, next time.Duration), fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	if retryable == nil {
		retryable = domain.IsTransient
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			onRetry(attempt, err, next)
		}))
	}
	v, err := backoff.Retry(ctx, op, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, err
}

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It returns nil on the first successful call, or the last error
// if all attempts fail. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	p := RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: 30 * time.Second}
	_, err := Do(ctx, p, func(error) bool { return true }, nil, func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
