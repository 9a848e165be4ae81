package llm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides how often and how long to wait between attempts.
type RetryPolicy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	// Delay is multiplied by the attempt number: Delay, 2*Delay, ...
	Delay time.Duration
	// Retryable reports whether err may succeed on another attempt.
	Retryable func(err error) bool
}

// DefaultRetryPolicy makes two attempts 0.8s apart and never retries a region block.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Delay:       800 * time.Millisecond,
		Retryable:   IsRetryable,
	}
}

// Backoff returns the wait after the given failed attempt, counting from 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.Delay * time.Duration(attempt)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsRetryable(err)
	}
	return p.Retryable(err)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// linearBackOff adapts RetryPolicy to backoff.BackOff.
type linearBackOff struct {
	policy RetryPolicy
	failed int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.failed++
	if b.failed >= b.policy.maxAttempts() {
		return backoff.Stop
	}
	return b.policy.Backoff(b.failed)
}

func (b *linearBackOff) Reset() { b.failed = 0 }
