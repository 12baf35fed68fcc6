package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"quantflow/internal/logger"
)

// RetryPolicy bounds how often a transient failure is retried and how long we
// back off between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 10 * p.BaseDelay
	}
	return p
}

// backoff returns the exponential delay for a zero-based attempt index with
// jitter, capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	// up to 25% jitter keeps concurrent retries from aligning
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Retry runs op until it succeeds, fails terminally, or the attempt budget is
// exhausted. Only transient errors (IsTransient) are retried.
func Retry(ctx context.Context, policy RetryPolicy, label string, op func(context.Context) error) error {
	p := policy.normalized()

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := p.backoff(attempt)
		logger.Warnf("%s: attempt %d/%d failed (%v), retrying in %s", label, attempt+1, p.MaxAttempts, lastErr, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: retry budget exhausted after %d attempts: %w", label, p.MaxAttempts, lastErr)
}
