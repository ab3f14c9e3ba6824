// Package backoff provides exponential backoff with full jitter and a
// context-aware retry loop shared by the HTTP and model clients.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes how many attempts to make and how long to wait between them.
type Policy struct {
	Attempts  int           // total attempts including the first
	BaseDelay time.Duration // delay before the first retry, doubled each time
	MaxDelay  time.Duration
	MinDelay  time.Duration // floor applied after jitter
}

// Default is three attempts, 1s base, 30s cap, 100ms floor.
func Default() Policy {
	return Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MinDelay: 100 * time.Millisecond}
}

// Delay returns the wait before retry number n (n >= 1):
// random(0, min(MaxDelay, BaseDelay * 2^(n-1))), floored at MinDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if p.MaxDelay > 0 && exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < p.MinDelay {
		jittered = p.MinDelay
	}
	return jittered
}

// Retry calls op until it succeeds, returns a non-retryable error, the
// attempts are used up, or ctx ends. The last error from op is returned.
// attempt is 1-based.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts || (retryable != nil && !retryable(lastErr)) {
			return lastErr
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
