package database

import (
	"context"
	"time"

	"github.com/quotagate/quotagate/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how storage operations are retried
type RetryPolicy struct {
	// MaxAttempts counts the first try
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number between tries
	BaseDelay time.Duration
	// Retryable decides whether an error may be retried
	Retryable func(error) bool
}

// DefaultRetryPolicy returns 3 attempts with 200ms, 400ms backoff. Only
// errors that never reached the server are retried, so writes are not replayed.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Retryable:   SafeToRetry,
	}
}

// Delay returns the wait before the next try after the given 1-based attempt
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// Errors are classified before the retry decision.
func (p RetryPolicy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = SafeToRetry
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := Classify(fn(ctx))
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == attempts {
			break
		}

		monitoring.RecordDBRetry(operation)
		log.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Msg("Transient storage error, retrying")

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}
