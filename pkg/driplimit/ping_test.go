package driplimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/driplimit/store"
)

// probeStore scripts ping results and counts forced reconnects.
type probeStore struct {
	store.Store

	mu         sync.Mutex
	pingErr    error
	reconnects int
}

func newProbeStore() *probeStore {
	return &probeStore{Store: store.NewMemory(nil)}
}

func (s *probeStore) setPingErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *probeStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *probeStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	// The driver's reconnect restores connectivity.
	s.pingErr = nil
	return nil
}

func (s *probeStore) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

func newPingLimiter(t *testing.T, st store.Store, ping PingConfig) *Limiter {
	t.Helper()
	l, err := New(Config{Buckets: ipBuckets(), Ping: &ping}, WithStore(st))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// waitForPing drains events until a ping with the wanted status shows
// up or the deadline expires.
func waitForPing(t *testing.T, l *Limiter, want PingStatus) *PingResult {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.Events():
			if ev.Kind == EventPing && ev.Ping.Status == want {
				return ev.Ping
			}
		case <-deadline:
			t.Fatalf("no %q ping event before deadline", want)
			return nil
		}
	}
}

func TestPingSuccess(t *testing.T) {
	st := newProbeStore()
	l := newPingLimiter(t, st, PingConfig{Interval: 5 * time.Millisecond})

	pr := waitForPing(t, l, PingSuccess)
	if pr.Err != nil || pr.FailedPings != 0 {
		t.Errorf("success ping = %+v", pr)
	}
}

func TestPingFailureCountsUp(t *testing.T) {
	st := newProbeStore()
	st.setPingErr(errors.New("connection reset"))
	l := newPingLimiter(t, st, PingConfig{
		Interval:          5 * time.Millisecond,
		MaxFailedAttempts: 3,
	})

	pr := waitForPing(t, l, PingError)
	if pr.Err == nil || pr.FailedPings < 1 {
		t.Errorf("error ping = %+v", pr)
	}
}

// With no reconnect predicate, sustained failure only produces a
// dry-run event and the loop keeps probing.
func TestPingReconnectDryRun(t *testing.T) {
	st := newProbeStore()
	st.setPingErr(errors.New("connection reset"))
	l := newPingLimiter(t, st, PingConfig{
		Interval:          5 * time.Millisecond,
		MaxFailedAttempts: 2,
	})

	waitForPing(t, l, PingReconnectDryRun)
	if st.reconnectCount() != 0 {
		t.Errorf("dry run must not reconnect, got %d reconnects", st.reconnectCount())
	}
}

func TestPingForcesReconnect(t *testing.T) {
	st := newProbeStore()
	st.setPingErr(errors.New("connection reset"))
	l := newPingLimiter(t, st, PingConfig{
		Interval:          5 * time.Millisecond,
		MaxFailedAttempts: 2,
		ReconnectIfFailed: func() bool { return true },
	})

	waitForPing(t, l, PingReconnect)
	// The driver reconnected; pings recover. The reconnect event is
	// emitted before Reconnect runs, so count reconnects only once pings
	// succeed again.
	waitForPing(t, l, PingSuccess)
	if st.reconnectCount() < 1 {
		t.Error("expected a forced reconnect")
	}
}

// The monitor only runs in single-node mode.
func TestPingDisabledForCluster(t *testing.T) {
	st := newProbeStore()
	l, err := New(Config{
		Buckets: ipBuckets(),
		Nodes:   []string{"10.0.0.1:6379", "10.0.0.2:6379"},
		Ping:    &PingConfig{Interval: time.Millisecond},
	}, WithStore(st))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer l.Close()

	if l.ping != nil {
		t.Error("ping monitor must not run against a cluster")
	}
}

func TestPingStopRegeneratesTaskID(t *testing.T) {
	st := newProbeStore()
	m := newPingMonitor(st, PingConfig{Interval: time.Hour}, zap.NewNop(), func(PingResult) {})
	m.Start()

	m.mu.Lock()
	id := m.taskID
	m.mu.Unlock()

	m.Stop()
	if m.current(id) {
		t.Error("a probe started before Stop must be considered stale")
	}
	// Stopping twice is a no-op.
	m.Stop()
}
