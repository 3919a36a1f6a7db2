package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
)

const (
	retryAttempts     = 3
	retryInitialDelay = 1 * time.Second
	retryMaxDelay     = 30 * time.Second
)

// errRetryable marks transient transport failures (connection loss,
// timeout) that warrant another attempt
type errRetryable struct {
	err error
}

func (e *errRetryable) Error() string { return e.err.Error() }
func (e *errRetryable) Unwrap() error { return e.err }

// Retryable wraps an error as transient
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &errRetryable{err: err}
}

// IsRetryable reports whether the error is marked transient
func IsRetryable(err error) bool {
	var r *errRetryable
	return errors.As(err, &r)
}

// withRetry runs op up to the bounded attempt count with exponential
// backoff, retrying only errors marked retryable
func withRetry(ctx context.Context, logger arbor.ILogger, what string, op func() error) error {
	var lastErr error
	delay := retryInitialDelay

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == retryAttempts {
			break
		}

		logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", retryAttempts).
			Str("delay", delay.String()).
			Err(lastErr).
			Msg(what + " failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}
