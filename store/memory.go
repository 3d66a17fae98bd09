package store

import (
	"context"
	"math"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with a process-local map. It mirrors the
// script semantics exactly (drip, overflow, full-is-absent, TTL expiry)
// and is suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

type memoryBucket struct {
	lastDrip  int64 // unix ms
	remaining float64
	expiresAt int64 // unix ms
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an in-memory store. clock may be nil, in which case
// the wall clock is used; tests inject their own to drive the drip
// computation deterministically.
func NewMemory(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		buckets: make(map[string]*memoryBucket),
		now:     clock,
	}
}

// get returns the live bucket for key, expiring it lazily.
// Callers must hold s.mu.
func (s *MemoryStore) get(key string, now int64) *memoryBucket {
	b, ok := s.buckets[key]
	if !ok {
		return nil
	}
	if b.expiresAt <= now {
		delete(s.buckets, key)
		return nil
	}
	return b
}

func (s *MemoryStore) Take(ctx context.Context, key string, args TakeArgs) (*TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs(s.now())
	b := s.get(key, now)

	var remaining float64
	switch {
	case b == nil:
		remaining = float64(args.Size)
	case args.TokensPerMs > 0:
		delta := float64(now - b.lastDrip)
		if delta < 0 {
			delta = 0
		}
		remaining = math.Min(b.remaining+delta*args.TokensPerMs, float64(args.Size))
	default:
		remaining = b.remaining
	}

	conformant := remaining >= args.Count
	if conformant {
		remaining = math.Min(remaining-args.Count, float64(args.Size))
	}

	s.buckets[key] = &memoryBucket{
		lastDrip:  now,
		remaining: remaining,
		expiresAt: now + args.TTL*1000,
	}

	return &TakeResult{
		Remaining:  remaining,
		Conformant: conformant,
		Now:        now,
		Reset:      resetMs(now, args.Size, remaining, args.DripInterval),
	}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, args PutArgs) (*PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs(s.now())
	remaining := float64(args.Size)
	if b := s.get(key, now); b != nil {
		remaining = b.remaining
	}

	remaining = math.Min(remaining+args.Count, float64(args.Size))
	if remaining < float64(args.Size) {
		s.buckets[key] = &memoryBucket{
			lastDrip:  now,
			remaining: remaining,
			expiresAt: now + args.TTL*1000,
		}
	} else {
		// Full buckets are deleted, not written: absence means full.
		delete(s.buckets, key)
	}

	return &PutResult{
		Remaining: remaining,
		Now:       now,
		Reset:     resetMs(now, args.Size, remaining, args.DripInterval),
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key, nowMs(s.now()))
	if b == nil {
		return &State{}, nil
	}
	return &State{Exists: true, LastDrip: b.lastDrip, Remaining: b.remaining}, nil
}

func (s *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs(s.now())
	var keys []string
	for key, b := range s.buckets {
		if b.expiresAt <= now {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]*memoryBucket)
	return nil
}

func (s *MemoryStore) Reconnect(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Count returns the number of live buckets. Used by tests to assert the
// full-is-absent invariant.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func resetMs(now, size int64, remaining, dripInterval float64) int64 {
	if dripInterval <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(now) + (float64(size)-remaining)*dripInterval))
}
