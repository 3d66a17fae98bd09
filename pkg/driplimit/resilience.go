package driplimit

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yourusername/driplimit/store"
)

// RetryConfig tunes the per-call retry budget. The backoff window is
// deliberately tight because each attempt is already bounded by the
// command timeout.
type RetryConfig struct {
	// Retries is the number of attempts after the first. Default 1.
	Retries int

	// MinTimeout and MaxTimeout bound the backoff between attempts.
	// Defaults 10ms / 30ms.
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Retries <= 0 {
		c.Retries = 1
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = 10 * time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 30 * time.Millisecond
	}
	return c
}

// defaultCommandTimeout bounds each store attempt.
const defaultCommandTimeout = 75 * time.Millisecond

// do runs op with the resilience wrapper: a circuit breaker check, a
// per-attempt command timeout, and bounded retries with backoff.
// Validation never reaches here; the engine rejects bad input before
// dispatching, so every error op returns is transport or store class.
func (l *Limiter) do(ctx context.Context, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.retry.MinTimeout
	bo.MaxInterval = l.retry.MaxTimeout
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= l.retry.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return newTransportError("canceled while retrying", ctx.Err())
			}
		}

		if err := l.breaker.allow(); err != nil {
			// Breaker-open is surfaced as-is, never retried.
			return err
		}

		err := l.attempt(ctx, op)
		if err == nil {
			l.breaker.success()
			return nil
		}
		l.breaker.failure()
		lastErr = err
	}
	return lastErr
}

// attempt runs one bounded store call and classifies its error.
func (l *Limiter) attempt(ctx context.Context, op func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, l.commandTimeout)
	defer cancel()

	err := op(actx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return newTransportError("command timed out", err)
	}
	var scriptErr *store.ScriptError
	if errors.As(err, &scriptErr) {
		return newStoreError(err)
	}
	return newTransportError("store operation failed", err)
}
