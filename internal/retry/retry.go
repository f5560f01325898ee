// Package retry runs an operation again with exponential backoff and jitter.
// It is used for the short window after an external transfer succeeded and
// its result still has to be persisted, and for Ledger Service calls that
// fail transiently.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Each wait is the previous one doubled, then moved up to a quarter either
// way. Waits never exceed maxWait.
const (
	jitterFactor = 0.25
	multiplier   = 2
	maxWait      = 30 * time.Second
)

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Do calls fn at most maxAttempts times, waiting baseDelay before the second
// call. It returns nil on the first success, the unwrapped error of a
// Permanent failure, ctx's error once ctx is done, or the last error.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	_, err := DoValue(ctx, maxAttempts, baseDelay, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that produce a result.
func DoValue[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     baseDelay,
		RandomizationFactor: jitterFactor,
		Multiplier:          multiplier,
		MaxInterval:         maxWait,
	}
	v, err := backoff.Retry(ctx, fn,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	// The final attempt's error comes back as returned, so a Permanent
	// wrapper may still be present.
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		return v, pe.Unwrap()
	}
	return v, err
}
