package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is the single reusable backoff policy injected into the store
// callers (coordinator cycle, recovery engine, agent heartbeat path). Delay
// doubles per attempt up to MaxDelay, with up to Jitter of randomization added
// so retrying callers do not synchronize into a storm.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Retryable decides whether an error is worth another attempt. When nil,
	// every error is retried.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the store-retry defaults: 3 attempts, 200ms base,
// 5s cap, 100ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned wrapped so callers can still errors.Is against
// the underlying failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(p.delay(attempt)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// delay computes the backoff for the given attempt (attempt >= 1).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
