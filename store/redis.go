package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ScriptError wraps an error reply produced by a server-side script, as
// opposed to a connection failure.
type ScriptError struct {
	Err error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("script error: %v", e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// RedisConfig configures the Redis driver. Exactly one of URI
// (standalone) or Nodes (cluster) must be set.
type RedisConfig struct {
	URI   string
	Nodes []string

	Password string
	TLS      *tls.Config

	// Prefix is prepended to every bucket key.
	Prefix string

	// Dialer, when set, replaces the default TCP dialer. Lets callers
	// plug custom DNS resolution (e.g. ElastiCache configuration
	// endpoints).
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTimeout bounds connection establishment, including cluster
	// slot discovery. Defaults to 3 seconds.
	DialTimeout time.Duration

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// OnEvent receives lifecycle events (ready, error, node error,
	// closed). May be nil.
	OnEvent EventSink
}

// RedisStore executes the bucket scripts on a standalone Redis server or
// cluster.
type RedisStore struct {
	cfg RedisConfig
	log *zap.Logger

	mu      sync.RWMutex
	client  redis.UniversalClient
	cluster *redis.ClusterClient // nil in standalone mode
	closed  bool
}

var _ Store = (*RedisStore)(nil)

// NewRedis opens a connection to the configured server or cluster.
// Commands fail fast while disconnected; there is no offline queue.
func NewRedis(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URI == "" && len(cfg.Nodes) == 0 {
		return nil, errors.New("redis store requires a uri or a node list")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &RedisStore{cfg: cfg, log: cfg.Logger}
	if err := s.dial(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisStore) dial() error {
	var ready sync.Once
	onConnect := func(ctx context.Context, cn *redis.Conn) error {
		ready.Do(func() {
			s.log.Info("redis connection established")
			s.emit(Event{Kind: EventReady})
		})
		return nil
	}

	if len(s.cfg.Nodes) > 0 {
		s.cluster = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       s.cfg.Nodes,
			Password:    s.cfg.Password,
			TLSConfig:   s.cfg.TLS,
			Dialer:      s.cfg.Dialer,
			DialTimeout: s.cfg.DialTimeout,
			OnConnect:   onConnect,
		})
		s.client = s.cluster
		return nil
	}

	opts, err := redis.ParseURL(s.cfg.URI)
	if err != nil {
		return fmt.Errorf("invalid redis uri: %w", err)
	}
	if s.cfg.Password != "" {
		opts.Password = s.cfg.Password
	}
	if s.cfg.TLS != nil {
		opts.TLSConfig = s.cfg.TLS
	}
	if s.cfg.Dialer != nil {
		opts.Dialer = s.cfg.Dialer
	}
	opts.DialTimeout = s.cfg.DialTimeout
	opts.OnConnect = onConnect
	s.client = redis.NewClient(opts)
	return nil
}

func (s *RedisStore) emit(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

func (s *RedisStore) current() redis.UniversalClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *RedisStore) prefixed(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + key
}

// Take runs the take script atomically.
func (s *RedisStore) Take(ctx context.Context, key string, args TakeArgs) (*TakeResult, error) {
	res, err := takeScript.Run(ctx, s.current(), []string{s.prefixed(key)},
		args.TokensPerMs, args.Size, args.Count, args.TTL, args.DripInterval).Result()
	if err != nil {
		return nil, s.commandError(ctx, err)
	}
	vals, err := replySlice(res, 4)
	if err != nil {
		return nil, err
	}
	remaining, err := replyFloat(vals[0])
	if err != nil {
		return nil, err
	}
	conformant, err := replyInt(vals[1])
	if err != nil {
		return nil, err
	}
	now, err := replyInt(vals[2])
	if err != nil {
		return nil, err
	}
	reset, err := replyFloat(vals[3])
	if err != nil {
		return nil, err
	}
	return &TakeResult{
		Remaining:  remaining,
		Conformant: conformant == 1,
		Now:        now,
		Reset:      int64(reset),
	}, nil
}

// Put runs the put script atomically.
func (s *RedisStore) Put(ctx context.Context, key string, args PutArgs) (*PutResult, error) {
	res, err := putScript.Run(ctx, s.current(), []string{s.prefixed(key)},
		args.Count, args.Size, args.TTL, args.DripInterval).Result()
	if err != nil {
		return nil, s.commandError(ctx, err)
	}
	vals, err := replySlice(res, 3)
	if err != nil {
		return nil, err
	}
	remaining, err := replyFloat(vals[0])
	if err != nil {
		return nil, err
	}
	now, err := replyInt(vals[1])
	if err != nil {
		return nil, err
	}
	reset, err := replyFloat(vals[2])
	if err != nil {
		return nil, err
	}
	return &PutResult{Remaining: remaining, Now: now, Reset: int64(reset)}, nil
}

// Get reads the raw bucket hash without mutating it.
func (s *RedisStore) Get(ctx context.Context, key string) (*State, error) {
	vals, err := s.current().HMGet(ctx, s.prefixed(key), "d", "r").Result()
	if err != nil {
		return nil, s.commandError(ctx, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return &State{}, nil
	}
	lastDrip, err := replyInt(vals[0])
	if err != nil {
		return nil, err
	}
	remaining, err := replyFloat(vals[1])
	if err != nil {
		return nil, err
	}
	return &State{Exists: true, LastDrip: lastDrip, Remaining: remaining}, nil
}

// Scan lists bucket keys matching a glob pattern. In cluster mode every
// master is scanned.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	cluster := s.cluster
	s.mu.RUnlock()

	full := s.prefixed(pattern)
	var keys []string
	collect := func(ctx context.Context, c redis.UniversalClient) error {
		iter := c.Scan(ctx, 0, full, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(iter.Val(), s.cfg.Prefix))
		}
		return iter.Err()
	}

	if cluster != nil {
		var mu sync.Mutex
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, master *redis.Client) error {
			iter := master.Scan(ctx, 0, full, 0).Iterator()
			for iter.Next(ctx) {
				mu.Lock()
				keys = append(keys, strings.TrimPrefix(iter.Val(), s.cfg.Prefix))
				mu.Unlock()
			}
			return iter.Err()
		})
		if err != nil {
			return nil, s.commandError(ctx, err)
		}
		return keys, nil
	}
	if err := collect(ctx, s.current()); err != nil {
		return nil, s.commandError(ctx, err)
	}
	return keys, nil
}

// Ping probes the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.current().Ping(ctx).Err()
}

// FlushAll wipes the whole database, on every master in cluster mode.
func (s *RedisStore) FlushAll(ctx context.Context) error {
	s.mu.RLock()
	cluster := s.cluster
	s.mu.RUnlock()

	if cluster != nil {
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, master *redis.Client) error {
			if err := master.FlushDB(ctx).Err(); err != nil {
				s.emit(Event{Kind: EventNodeError, Err: err, Node: master.Options().Addr})
				return err
			}
			return nil
		})
		if err != nil {
			return s.commandError(ctx, err)
		}
		return nil
	}
	if err := s.current().FlushDB(ctx).Err(); err != nil {
		return s.commandError(ctx, err)
	}
	return nil
}

// Reconnect drops the current connection and dials again.
func (s *RedisStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("redis store is closed")
	}
	s.log.Warn("forcing redis reconnect")
	if s.client != nil {
		_ = s.client.Close()
	}
	s.cluster = nil
	return s.dial()
}

// Close quits the connection. Safe to call once.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("redis store is closed")
	}
	s.closed = true
	err := s.client.Close()
	s.emit(Event{Kind: EventClosed})
	return err
}

// commandError classifies a failed command and, on a read-only replica
// response, forces a reconnect so the driver finds the new master.
func (s *RedisStore) commandError(ctx context.Context, err error) error {
	if isReadOnly(err) {
		s.log.Warn("read-only response from store, reconnecting", zap.Error(err))
		if rerr := s.Reconnect(ctx); rerr != nil {
			s.log.Error("reconnect failed", zap.Error(rerr))
		}
		s.emit(Event{Kind: EventError, Err: err})
		return err
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		return &ScriptError{Err: err}
	}
	s.emit(Event{Kind: EventError, Err: err})
	return err
}

func isReadOnly(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "READONLY")
}

func replySlice(res interface{}, want int) ([]interface{}, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != want {
		return nil, fmt.Errorf("unexpected script reply: %v", res)
	}
	return vals, nil
}

func replyInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply element: %v", v)
	}
}

func replyFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected reply element: %v", v)
	}
}
