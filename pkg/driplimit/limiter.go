package driplimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/driplimit/metrics"
	"github.com/yourusername/driplimit/store"
)

// Config configures a Limiter at construction. Exactly one of URI
// (standalone) or Nodes (cluster) must be set unless a store is injected
// with WithStore; Buckets is always required.
type Config struct {
	URI      string
	Nodes    []string
	Password string
	TLS      *tls.Config

	// Dialer, when set, replaces the driver's TCP dialer (custom DNS
	// resolution and the like).
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Prefix is prepended to every bucket key in the store.
	Prefix string

	// Buckets maps type names to their definitions.
	Buckets map[string]*BucketConfig

	// GlobalTTL bounds every derived bucket TTL. Default one week.
	GlobalTTL time.Duration

	// Ping enables the liveness monitor (single-node mode only).
	Ping *PingConfig

	Retry   *RetryConfig
	Breaker *BreakerConfig

	// CommandTimeout bounds each store attempt. Default 75ms.
	CommandTimeout time.Duration
}

// Params identifies the bucket instance an operation acts on.
type Params struct {
	// Type is the bucket type name; Key selects the instance.
	Type string
	Key  string

	// Count is the number of tokens to move. Accepted values: absent
	// (nil), an integer, an integral float, or the string "all". Take
	// defaults to 1 and rejects negative counts; Put defaults to the
	// bucket size and accepts negative counts.
	Count any

	// ConfigOverride, when set, replaces the resolved bucket config for
	// this call. It is normalized independently.
	ConfigOverride *BucketConfig
}

// Result is the outcome of a limiter operation. Conformant and Delayed
// are only meaningful for Take and Wait.
type Result struct {
	Conformant bool
	Remaining  float64
	Reset      int64 // unix seconds at which the bucket is full; 0 for fixed buckets
	Limit      int64
	Delayed    bool
}

// Limiter is the rate-limiter engine: it validates input, resolves the
// effective bucket config, short-circuits unlimited buckets and the
// skip-cache, and dispatches the atomic scripts through the resilience
// wrapper.
type Limiter struct {
	store   store.Store
	buckets map[string]*bucketType

	globalTTL      time.Duration
	commandTimeout time.Duration
	retry          RetryConfig
	breaker        *breaker
	ping           *pingMonitor
	skip           *skipCache
	stats          *metrics.Stats
	log            *zap.Logger
	now            func() time.Time
	events         chan Event

	mu     sync.Mutex
	closed bool
}

// New creates a Limiter. Missing buckets, or a missing store address
// without an injected store, are fatal configuration errors.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if len(cfg.Buckets) == 0 {
		return nil, newValidationError(CodeInvalidConfig, "buckets are required")
	}

	l := &Limiter{
		globalTTL:      cfg.GlobalTTL,
		commandTimeout: cfg.CommandTimeout,
		skip:           newSkipCache(),
		stats:          metrics.New(),
		log:            zap.NewNop(),
		now:            time.Now,
		events:         make(chan Event, 64),
	}
	if l.globalTTL <= 0 {
		l.globalTTL = defaultGlobalTTL
	}
	if l.commandTimeout <= 0 {
		l.commandTimeout = defaultCommandTimeout
	}
	if cfg.Retry != nil {
		l.retry = *cfg.Retry
	}
	l.retry = l.retry.withDefaults()

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	buckets, err := normalizeBuckets(cfg.Buckets, l.globalTTL, l.now())
	if err != nil {
		return nil, err
	}
	l.buckets = buckets

	var breakerCfg BreakerConfig
	if cfg.Breaker != nil {
		breakerCfg = *cfg.Breaker
	}
	l.breaker = newBreaker(breakerCfg, l.log, l.now)

	if l.store == nil {
		if cfg.URI == "" && len(cfg.Nodes) == 0 {
			return nil, newValidationError(CodeInvalidConfig, "a store uri or node list is required")
		}
		st, err := store.NewRedis(store.RedisConfig{
			URI:      cfg.URI,
			Nodes:    cfg.Nodes,
			Password: cfg.Password,
			TLS:      cfg.TLS,
			Dialer:   cfg.Dialer,
			Prefix:   cfg.Prefix,
			Logger:   l.log,
			OnEvent:  l.storeEvent,
		})
		if err != nil {
			return nil, newValidationError(CodeInvalidConfig, err.Error())
		}
		l.store = st
	}

	if cfg.Ping != nil && len(cfg.Nodes) == 0 {
		l.ping = newPingMonitor(l.store, *cfg.Ping, l.log, func(pr PingResult) {
			l.emit(Event{Kind: EventPing, Ping: &pr})
		})
		l.ping.Start()
	}

	return l, nil
}

// storeEvent forwards driver lifecycle events onto the limiter's stream.
func (l *Limiter) storeEvent(ev store.Event) {
	switch ev.Kind {
	case store.EventReady:
		l.emit(Event{Kind: EventReady})
	case store.EventError:
		l.emit(Event{Kind: EventError, Err: ev.Err})
	case store.EventNodeError:
		l.emit(Event{Kind: EventNodeError, Err: ev.Err, Node: ev.Node})
	}
}

// Take asks whether count tokens may be taken from the bucket, taking
// them when they may.
func (l *Limiter) Take(ctx context.Context, p Params) (*Result, error) {
	cfg, err := l.resolveParams(p)
	if err != nil {
		return nil, err
	}
	count, err := takeCount(p.Count, cfg.size)
	if err != nil {
		return nil, err
	}

	if cfg.unlimited {
		l.stats.Record(p.Type, true)
		return &Result{
			Conformant: true,
			Remaining:  float64(cfg.size),
			Reset:      l.now().Unix(),
			Limit:      cfg.size,
		}, nil
	}

	key := bucketKey(p.Type, p.Key)
	if cfg.skipNCalls > 0 {
		if res, ok := l.skip.consult(key, cfg.skipNCalls); ok {
			l.stats.Record(p.Type, res.Conformant)
			return res, nil
		}
	}

	var tr *store.TakeResult
	err = l.do(ctx, func(ctx context.Context) error {
		var err error
		tr, err = l.store.Take(ctx, key, store.TakeArgs{
			TokensPerMs:  cfg.msPerInterval,
			Size:         cfg.size,
			Count:        count,
			TTL:          cfg.ttl,
			DripInterval: cfg.dripIntervalMs,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Conformant: tr.Conformant,
		Remaining:  tr.Remaining,
		Reset:      ceilSeconds(tr.Reset),
		Limit:      cfg.size,
	}
	if cfg.skipNCalls > 0 {
		l.skip.store(key, res)
	}
	l.stats.Record(p.Type, res.Conformant)
	return res, nil
}

// Wait blocks until Take conforms, sleeping between attempts for the
// minimum time the bucket needs to accrue the missing tokens. A result
// obtained after at least one sleep is marked Delayed. On a fixed bucket,
// which never refills, Wait returns the non-conformant result at once
// without sleeping. Wait has no inherent deadline; bound it through ctx.
func (l *Limiter) Wait(ctx context.Context, p Params) (*Result, error) {
	delayed := false
	for {
		res, err := l.Take(ctx, p)
		if err != nil {
			return nil, err
		}
		if res.Conformant {
			res.Delayed = delayed
			return res, nil
		}

		cfg, err := l.resolveParams(p)
		if err != nil {
			return nil, err
		}
		count, err := takeCount(p.Count, cfg.size)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			// A zero take cannot be satisfied only when the bucket is
			// negative; it is reported as conformant without waiting.
			res.Conformant = true
			res.Delayed = delayed
			return res, nil
		}
		if cfg.perInterval == 0 {
			// Fixed buckets never refill; only a Put can unblock the
			// caller, so report the non-conformant result instead of
			// sleeping forever.
			res.Delayed = delayed
			return res, nil
		}

		minWait := time.Duration(math.Ceil((count-res.Remaining)*float64(cfg.interval)/float64(cfg.perInterval))) * time.Millisecond
		if minWait < time.Millisecond {
			minWait = time.Millisecond
		}
		delayed = true

		timer := time.NewTimer(minWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, newTransportError("canceled while waiting", ctx.Err())
		case <-timer.C:
		}
	}
}

// Put returns tokens to the bucket, capped at its size. Count defaults
// to the full size and may be negative to push the bucket below zero.
func (l *Limiter) Put(ctx context.Context, p Params) (*Result, error) {
	cfg, err := l.resolveParams(p)
	if err != nil {
		return nil, err
	}
	count, err := putCount(p.Count, cfg.size)
	if err != nil {
		return nil, err
	}

	if cfg.unlimited {
		return &Result{
			Conformant: true,
			Remaining:  float64(cfg.size),
			Reset:      l.now().Unix(),
			Limit:      cfg.size,
		}, nil
	}

	var pr *store.PutResult
	err = l.do(ctx, func(ctx context.Context) error {
		var err error
		pr, err = l.store.Put(ctx, bucketKey(p.Type, p.Key), store.PutArgs{
			Count:        count,
			Size:         cfg.size,
			TTL:          cfg.ttl,
			DripInterval: cfg.dripIntervalMs,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Conformant: true,
		Remaining:  pr.Remaining,
		Reset:      ceilSeconds(pr.Reset),
		Limit:      cfg.size,
	}, nil
}

// Get reads the bucket without mutating it. The drip since the last
// mutation is computed locally from the resolved config.
func (l *Limiter) Get(ctx context.Context, p Params) (*Result, error) {
	cfg, err := l.resolveParams(p)
	if err != nil {
		return nil, err
	}

	if cfg.unlimited {
		return &Result{
			Conformant: true,
			Remaining:  float64(cfg.size),
			Reset:      l.now().Unix(),
			Limit:      cfg.size,
		}, nil
	}

	var state *store.State
	err = l.do(ctx, func(ctx context.Context) error {
		var err error
		state, err = l.store.Get(ctx, bucketKey(p.Type, p.Key))
		return err
	})
	if err != nil {
		return nil, err
	}

	nowMs := l.now().UnixNano() / int64(time.Millisecond)
	remaining := float64(cfg.size)
	if state.Exists {
		remaining = state.Remaining
		if cfg.msPerInterval > 0 {
			delta := float64(nowMs - state.LastDrip)
			if delta < 0 {
				delta = 0
			}
			remaining = math.Min(remaining+delta*cfg.msPerInterval, float64(cfg.size))
		}
	}

	return &Result{
		Conformant: remaining >= 1,
		Remaining:  remaining,
		Reset:      cfg.resetSeconds(nowMs, remaining),
		Limit:      cfg.size,
	}, nil
}

// ResetAll wipes every bucket in the store and the local skip-cache.
func (l *Limiter) ResetAll(ctx context.Context) error {
	err := l.do(ctx, func(ctx context.Context) error {
		return l.store.FlushAll(ctx)
	})
	if err != nil {
		return err
	}
	l.skip.reset()
	return nil
}

// Stats exposes the in-process conformance counters.
func (l *Limiter) Stats() *metrics.Stats { return l.stats }

// Close stops the ping monitor and quits the store connection. A second
// Close returns ErrClosed.
func (l *Limiter) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	l.mu.Unlock()

	if l.ping != nil {
		l.ping.Stop()
	}
	err := l.store.Close()
	l.emit(Event{Kind: EventClosed})
	return err
}

// resolveParams validates the operation input and picks the effective
// bucket config: per-call override, then exact-name override, then regex
// override, then the type default.
func (l *Limiter) resolveParams(p Params) (*bucketType, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, &Error{Kind: KindTransport, msg: "limiter is closed", err: ErrClosed}
	}

	if p.Type == "" {
		return nil, newValidationError(CodeMissingType, "bucket type is required")
	}
	t, ok := l.buckets[p.Type]
	if !ok {
		return nil, newValidationError(CodeUnknownType, fmt.Sprintf("unknown bucket type %q", p.Type))
	}
	if p.Key == "" {
		return nil, newValidationError(CodeMissingKey, "bucket key is required")
	}

	now := l.now()
	if p.ConfigOverride != nil {
		o, err := normalizeType(p.Type, p.ConfigOverride, l.globalTTL, now)
		if err != nil {
			return nil, newValidationError(CodeInvalidOverride, fmt.Sprintf("invalid config override: %v", err))
		}
		return o, nil
	}
	return t.resolve(p.Key, now), nil
}

func bucketKey(typeName, key string) string {
	return typeName + ":" + key
}

// ceilSeconds converts a unix-ms instant to unix seconds, rounding up.
// Zero stays zero (fixed buckets).
func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(ms) / 1000))
}

// takeCount interprets the caller-supplied count for Take: absent means
// 1, "all" means the bucket size, and any integer-valued number is taken
// as-is. Fractions, negatives, and other types are validation errors.
func takeCount(v any, size int64) (float64, error) {
	count, all, err := parseCount(v)
	if err != nil {
		return 0, err
	}
	switch {
	case all:
		return float64(size), nil
	case count == nil:
		return 1, nil
	case *count < 0:
		return 0, newValidationError(CodeInvalidCount, "count must not be negative")
	default:
		return *count, nil
	}
}

// putCount interprets the caller-supplied count for Put: absent and
// "all" both mean the full size, negatives are allowed, and anything
// above size is capped to it.
func putCount(v any, size int64) (float64, error) {
	count, all, err := parseCount(v)
	if err != nil {
		return 0, err
	}
	if all || count == nil {
		return float64(size), nil
	}
	if *count > float64(size) {
		return float64(size), nil
	}
	return *count, nil
}

func parseCount(v any) (*float64, bool, error) {
	f := func(n float64) (*float64, bool, error) { return &n, false, nil }
	switch c := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		if c == "all" {
			return nil, true, nil
		}
		return nil, false, newValidationError(CodeInvalidCount, fmt.Sprintf("invalid count %q", c))
	case int:
		return f(float64(c))
	case int8:
		return f(float64(c))
	case int16:
		return f(float64(c))
	case int32:
		return f(float64(c))
	case int64:
		return f(float64(c))
	case uint:
		return f(float64(c))
	case uint8:
		return f(float64(c))
	case uint16:
		return f(float64(c))
	case uint32:
		return f(float64(c))
	case uint64:
		return f(float64(c))
	case float32:
		if float64(c) != math.Trunc(float64(c)) {
			return nil, false, newValidationError(CodeInvalidCount, "count must be an integer")
		}
		return f(float64(c))
	case float64:
		if c != math.Trunc(c) {
			return nil, false, newValidationError(CodeInvalidCount, "count must be an integer")
		}
		return f(c)
	default:
		return nil, false, newValidationError(CodeInvalidCount, fmt.Sprintf("invalid count type %T", v))
	}
}
