package driplimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/driplimit/store"
)

// PingConfig tunes the liveness monitor. The monitor only runs against
// single-node stores; cluster clients handle failover themselves.
type PingConfig struct {
	// Interval between probes. Default 3s.
	Interval time.Duration

	// MaxFailedAttempts before a reconnect is considered. Default 5.
	MaxFailedAttempts int

	// ReconnectIfFailed decides whether sustained failure actually
	// forces a reconnect. When nil or false, the monitor only emits a
	// dry-run event and keeps probing.
	ReconnectIfFailed func() bool
}

func (c PingConfig) withDefaults() PingConfig {
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 5
	}
	return c
}

// pingMonitor periodically probes the store. A new probe is only issued
// once the previous one has completed, so a slow store cannot pile up
// overlapping pings. Stopping regenerates the task id, so a probe still
// in flight at stop time is discarded when it lands.
type pingMonitor struct {
	store store.Store
	cfg   PingConfig
	log   *zap.Logger
	emit  func(PingResult)

	mu      sync.Mutex
	taskID  string
	stop    chan struct{}
	running bool
}

func newPingMonitor(st store.Store, cfg PingConfig, log *zap.Logger, emit func(PingResult)) *pingMonitor {
	return &pingMonitor{
		store: st,
		cfg:   cfg.withDefaults(),
		log:   log,
		emit:  emit,
	}
}

func (m *pingMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.taskID = uuid.NewString()
	m.stop = make(chan struct{})
	go m.loop(m.taskID, m.stop)
}

func (m *pingMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.taskID = uuid.NewString()
	close(m.stop)
}

func (m *pingMonitor) current(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.taskID == id
}

func (m *pingMonitor) loop(id string, stop chan struct{}) {
	failed := 0
	for {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
		err := m.store.Ping(ctx)
		cancel()
		duration := time.Since(start)

		if !m.current(id) {
			// Stopped while the probe was in flight; this response is
			// stale.
			return
		}

		if err == nil {
			failed = 0
			m.emit(PingResult{Status: PingSuccess, Duration: duration})
		} else {
			failed++
			m.log.Warn("store ping failed",
				zap.Error(err),
				zap.Int("failed_pings", failed))
			m.emit(PingResult{Status: PingError, Duration: duration, Err: err, FailedPings: failed})

			if failed >= m.cfg.MaxFailedAttempts {
				if m.cfg.ReconnectIfFailed == nil || !m.cfg.ReconnectIfFailed() {
					m.emit(PingResult{Status: PingReconnectDryRun, FailedPings: failed})
				} else {
					// Jitter the reconnect so a fleet of clients does
					// not stampede a recovering store.
					jitter := time.Duration(rand.Float64() * 0.1 * float64(m.cfg.Interval) * float64(m.cfg.MaxFailedAttempts))
					select {
					case <-time.After(jitter):
					case <-stop:
						return
					}
					m.emit(PingResult{Status: PingReconnect, FailedPings: failed})
					if rerr := m.store.Reconnect(context.Background()); rerr != nil {
						m.log.Error("forced reconnect failed", zap.Error(rerr))
					}
					failed = 0
				}
			}
		}

		select {
		case <-stop:
			return
		case <-time.After(m.cfg.Interval):
		}
	}
}
