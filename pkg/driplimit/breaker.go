package driplimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker guarding store calls.
type BreakerConfig struct {
	// Timeout is the rolling window within which failures must be
	// consecutive to count toward MaxFailures. Default 1s.
	Timeout time.Duration

	// MaxFailures trips the breaker. Default 10.
	MaxFailures int

	// Cooldown is the initial open duration; it doubles on every
	// consecutive trip up to MaxCooldown. Defaults 1s / 3s.
	Cooldown    time.Duration
	MaxCooldown time.Duration

	// OnTrip, when set, is invoked each time the breaker opens.
	OnTrip func()
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 3 * time.Second
	}
	return c
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a closed -> open -> half-open -> closed state machine over
// the resilience wrapper's calls. Validation errors are never fed to it.
type breaker struct {
	cfg BreakerConfig
	log *zap.Logger
	now func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	cooldown    time.Duration
}

func newBreaker(cfg BreakerConfig, log *zap.Logger, now func() time.Time) *breaker {
	cfg = cfg.withDefaults()
	return &breaker{
		cfg:      cfg,
		log:      log,
		now:      now,
		cooldown: cfg.Cooldown,
	}
}

// allow reports whether a call may proceed. While open it fails
// immediately; after the cooldown it admits a single half-open probe.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerHalfOpen:
		// One probe is already in flight.
		return newBreakerOpenError()
	default:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return newBreakerOpenError()
		}
		b.state = breakerHalfOpen
		return nil
	}
}

// success closes the breaker and resets the escalation.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.cooldown = b.cfg.Cooldown
}

// failure records a failed call. Failures separated by more than the
// rolling window restart the count.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == breakerHalfOpen {
		// Probe failed: reopen with an escalated cooldown.
		b.trip(now)
		return
	}
	if b.state == breakerOpen {
		return
	}

	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.Timeout {
		b.failures = 0
	}
	b.lastFailure = now
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip(now)
	}
}

// trip opens the breaker. Callers must hold b.mu.
func (b *breaker) trip(now time.Time) {
	if b.state == breakerOpen || b.state == breakerHalfOpen {
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
	}
	b.state = breakerOpen
	b.openedAt = now
	b.failures = 0
	b.log.Warn("circuit breaker tripped", zap.Duration("cooldown", b.cooldown))
	if b.cfg.OnTrip != nil {
		b.cfg.OnTrip()
	}
}
