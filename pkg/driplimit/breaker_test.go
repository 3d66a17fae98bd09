package driplimit

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type breakerClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *breakerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *breakerClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*breaker, *breakerClock) {
	clock := &breakerClock{t: time.Unix(1425920267, 0)}
	return newBreaker(cfg, zap.NewNop(), clock.Now), clock
}

func TestBreakerTripsAfterMaxFailures(t *testing.T) {
	tripped := 0
	b, _ := newTestBreaker(BreakerConfig{
		MaxFailures: 3,
		OnTrip:      func() { tripped++ },
	})

	for i := 0; i < 2; i++ {
		b.failure()
		if err := b.allow(); err != nil {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	b.failure()
	if err := b.allow(); !IsBreakerOpen(err) {
		t.Errorf("allow() = %v, want breaker-open", err)
	}
	if tripped != 1 {
		t.Errorf("OnTrip called %d times, want 1", tripped)
	}
}

// Failures separated by more than the rolling window restart the count.
func TestBreakerRollingWindow(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		MaxFailures: 2,
		Timeout:     time.Second,
	})

	b.failure()
	clock.Advance(2 * time.Second)
	b.failure()
	if err := b.allow(); err != nil {
		t.Errorf("stale failure counted toward the threshold: %v", err)
	}
	b.failure()
	if err := b.allow(); !IsBreakerOpen(err) {
		t.Error("two failures inside the window should trip")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Second,
		MaxCooldown: 3 * time.Second,
	})

	b.failure()
	if err := b.allow(); !IsBreakerOpen(err) {
		t.Fatal("breaker should be open")
	}

	// After the cooldown, exactly one probe is admitted.
	clock.Advance(time.Second)
	if err := b.allow(); err != nil {
		t.Fatalf("probe should be admitted after cooldown: %v", err)
	}
	if err := b.allow(); !IsBreakerOpen(err) {
		t.Error("only one probe may be in flight")
	}

	// Probe success closes the breaker and resets escalation.
	b.success()
	if err := b.allow(); err != nil {
		t.Errorf("breaker should be closed after probe success: %v", err)
	}
}

func TestBreakerCooldownEscalation(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Second,
		MaxCooldown: 3 * time.Second,
	})

	b.failure() // open, cooldown 1s
	clock.Advance(time.Second)
	if err := b.allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	b.failure() // probe failed: reopen, cooldown 2s

	clock.Advance(time.Second)
	if err := b.allow(); !IsBreakerOpen(err) {
		t.Error("cooldown should have doubled to 2s")
	}
	clock.Advance(time.Second)
	if err := b.allow(); err != nil {
		t.Fatalf("probe should be admitted after escalated cooldown: %v", err)
	}
	b.failure() // reopen, cooldown 4s capped at 3s

	clock.Advance(3 * time.Second)
	if err := b.allow(); err != nil {
		t.Errorf("cooldown must be capped at MaxCooldown: %v", err)
	}
}
