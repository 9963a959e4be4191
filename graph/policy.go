package graph

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient node
// failures.
//
// When a handler fails, Retryable decides whether the failure is transient
// and computeBackoff how long to wait. Exponential backoff with jitter keeps
// parallel sections from retrying in lockstep against the same provider.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including the
	// initial attempt). A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether an error is transient. If nil, no error is
	// retried.
	Retryable func(error) bool
}

// Validate checks if the RetryPolicy configuration is valid:
//   - MaxAttempts must be >= 1
//   - if both MaxDelay and BaseDelay are > 0, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) shouldRetry(err error, attempt int) bool {
	if rp == nil || rp.Retryable == nil || attempt+1 >= rp.MaxAttempts {
		return false
	}
	return rp.Retryable(err)
}

// computeBackoff returns min(base*2^attempt, maxDelay) + jitter(0, base).
//
// attempt is zero-based (0 = first retry). A nil rng falls back to the
// package source; jitter only spreads retry timing.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
