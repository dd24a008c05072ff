package core

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds and shapes the retry loop for a failing node task.
// The zero value disables retries (single attempt).
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool
	// RetryOn restricts which errors are retryable. Nil means DefaultRetryable.
	RetryOn func(error) bool
}

// DefaultRetryPolicy returns the engine's standard policy: three attempts with
// exponential backoff, jitter enabled, retrying only transient errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
		RetryOn:     DefaultRetryable,
	}
}

// DefaultRetryable is the standard retryable-error predicate. It excludes
// programmer and contract errors (reducer conflicts, routing errors, empty
// channel reads, cancellation) and includes transient failures such as
// timeouts and I/O errors.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidUpdate),
		errors.Is(err, ErrRouting),
		errors.Is(err, ErrEmptyChannel),
		errors.Is(err, ErrGraphRecursion),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Retryable reports whether err should be retried under this policy.
func (p RetryPolicy) Retryable(err error) bool {
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return DefaultRetryable(err)
}

// Attempts returns the effective total attempt count.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
