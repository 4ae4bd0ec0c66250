// Package retry wraps cenkalti/backoff/v4 with the policy shape the error
// handler (C5) needs: exponential backoff with jitter, a hard cap on
// attempts, and category-aware retry eligibility.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oakhealth/syncpipe/pkg/domain"
)

// Policy configures the backoff envelope for one class of external call.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	Multiplier        float64
	RandomizationFactor float64
	MaxDelay          time.Duration
}

// DefaultPolicy matches the spec's base-2 exponential backoff with +/-20%
// jitter, capped at max_retries (§4.5, §4.3).
func DefaultPolicy(maxAttempts int, initialDelay time.Duration) Policy {
	return Policy{
		MaxAttempts:         maxAttempts,
		InitialDelay:        initialDelay,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
		MaxDelay:            time.Hour,
	}
}

// IsRetryable reports whether a failure category should be retried at all.
// Persistent, circuit-open, and budget failures are never retried by this
// package — they escalate immediately (§4.5).
func IsRetryable(category domain.FailureCategory) bool {
	return category == domain.FailureTransient
}

// newBackOff builds a cenkalti/backoff ExponentialBackOff bounded to
// p.MaxAttempts total attempts (the initial try plus MaxAttempts-1 retries).
func (p Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0 // bounded by attempt count, not elapsed wall time
	if p.MaxAttempts <= 0 {
		return eb
	}
	return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1))
}

// Do runs fn, retrying on error per p until it succeeds, attempts are
// exhausted, or ctx is cancelled. classify decides whether a given error is
// eligible for another attempt; the first non-retryable error or the final
// exhausted attempt is returned to the caller unchanged, satisfying the
// "no external call exceeds max_retries+1 attempts" property (§8).
func Do(ctx context.Context, p Policy, classify func(error) domain.FailureCategory, fn func(ctx context.Context) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(classify(err)) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(p.newBackOff(), ctx)
	return backoff.Retry(operation, bo)
}
