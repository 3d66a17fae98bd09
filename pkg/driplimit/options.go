package driplimit

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/driplimit/metrics"
	"github.com/yourusername/driplimit/store"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithStore injects a custom store, bypassing the Redis driver the
// constructor would otherwise open. Useful with store.NewMemory for
// tests and single-process deployments.
func WithStore(st store.Store) Option {
	return func(l *Limiter) error {
		if st == nil {
			return fmt.Errorf("store cannot be nil")
		}
		l.store = st
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) error {
		if log == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		l.log = log
		return nil
	}
}

// WithClock overrides the engine clock. Only the engine-local
// computations (unlimited shortcuts, Get drip, override expiry) use it;
// the scripts always read the server clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		l.now = now
		return nil
	}
}

// WithStats injects a shared stats tracker, letting several limiters
// aggregate into one set of counters.
func WithStats(stats *metrics.Stats) Option {
	return func(l *Limiter) error {
		if stats == nil {
			return fmt.Errorf("stats cannot be nil")
		}
		l.stats = stats
		return nil
	}
}
