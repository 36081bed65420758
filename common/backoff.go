package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the exponential-with-ceiling backoff configuration
// behind find/ask/tell: an initial interval, a ceiling the
// interval doubles up to, and a total duration after which retries give
// up.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Duration        time.Duration
}

// DefaultRetryPolicy is a small initial interval with a generous
// ceiling.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Duration:        10 * time.Second,
}

// retryable is returned by an operation run under Retry to signal a
// transient condition that should be retried rather than given up on
// immediately.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable wraps err so Retry's driver treats it as transient instead
// of fatal.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err}
}

// Retry runs fn repeatedly under p's exponential-with-ceiling policy
// until fn returns a nil error, a non-Retryable error (returned
// immediately), or the policy's total duration elapses (in which case
// the last error is returned). It is the backoff driver behind
// broker.Find, broker.Ask and broker.Tell.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.Duration
	b.Multiplier = 2
	bc := backoff.WithContext(b, ctx)

	var lastErr error
	op := func() error {
		err := fn()
		lastErr = err
		if err == nil {
			return nil
		}
		if _, transient := err.(retryable); transient {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, bc); err != nil {
		if lastErr != nil {
			if r, ok := lastErr.(retryable); ok {
				return r.err
			}
			return lastErr
		}
		return err
	}
	return nil
}
