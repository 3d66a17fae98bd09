package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *memClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *memClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// 10 tokens, 5/s: 0.005 tokens per ms, 200ms per token, 2s ttl.
func testArgs() TakeArgs {
	return TakeArgs{
		TokensPerMs:  0.005,
		Size:         10,
		Count:        1,
		TTL:          2,
		DripInterval: 200,
	}
}

func TestMemoryTake(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	res, err := s.Take(ctx, "ip:1.1.1.1", testArgs())
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.Equal(t, float64(9), res.Remaining)
	assert.Equal(t, int64(1425920267000), res.Now)
	assert.Equal(t, int64(1425920267200), res.Reset)
}

func TestMemoryTakeDrip(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	args := testArgs()
	for i := 0; i < 10; i++ {
		res, err := s.Take(ctx, "k", args)
		require.NoError(t, err)
		require.True(t, res.Conformant)
	}
	res, err := s.Take(ctx, "k", args)
	require.NoError(t, err)
	assert.False(t, res.Conformant)
	assert.Equal(t, float64(0), res.Remaining)

	// Half a second accrues 2.5 tokens.
	clock.Advance(500 * time.Millisecond)
	res, err = s.Take(ctx, "k", args)
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.Equal(t, 1.5, res.Remaining)

	// Overflow is capped at size: 1.9s accrues 9.5 tokens on top of 1.5,
	// within the 2s ttl.
	clock.Advance(1900 * time.Millisecond)
	res, err = s.Take(ctx, "k", args)
	require.NoError(t, err)
	assert.Equal(t, float64(9), res.Remaining)
}

func TestMemoryTakeFixedBucket(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	args := TakeArgs{Size: 10, Count: 4, TTL: 3600}
	res, err := s.Take(ctx, "k", args)
	require.NoError(t, err)
	assert.Equal(t, float64(6), res.Remaining)
	assert.Equal(t, int64(0), res.Reset)

	// No drip, ever.
	clock.Advance(time.Hour / 2)
	res, err = s.Take(ctx, "k", args)
	require.NoError(t, err)
	assert.Equal(t, float64(2), res.Remaining)
	assert.Equal(t, int64(0), res.Reset)
}

func TestMemoryTakeZero(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	args := testArgs()
	args.Count = 0
	res, err := s.Take(ctx, "k", args)
	require.NoError(t, err)
	assert.True(t, res.Conformant)
	assert.Equal(t, float64(10), res.Remaining)
}

func TestMemoryPutFullIsAbsent(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	_, err := s.Take(ctx, "k", testArgs())
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())

	res, err := s.Put(ctx, "k", PutArgs{Count: 1, Size: 10, TTL: 2, DripInterval: 200})
	require.NoError(t, err)
	assert.Equal(t, float64(10), res.Remaining)
	assert.Equal(t, 0, s.Count(), "full bucket must be deleted")

	// Absent reads as full.
	st, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, st.Exists)
}

func TestMemoryPutNegative(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	res, err := s.Put(ctx, "k", PutArgs{Count: -100, Size: 10, TTL: 2, DripInterval: 200})
	require.NoError(t, err)
	assert.Equal(t, float64(-90), res.Remaining)

	st, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, st.Exists)
	assert.Equal(t, float64(-90), st.Remaining)
}

func TestMemoryTTLExpiry(t *testing.T) {
	clock := &memClock{t: time.Unix(1425920267, 0)}
	s := NewMemory(clock.Now)
	ctx := context.Background()

	_, err := s.Take(ctx, "k", testArgs())
	require.NoError(t, err)

	// Past the 2s ttl the bucket is gone and the next take starts full.
	clock.Advance(3 * time.Second)
	st, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, st.Exists)

	res, err := s.Take(ctx, "k", testArgs())
	require.NoError(t, err)
	assert.Equal(t, float64(9), res.Remaining)
}

func TestMemoryConcurrentTake(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()
	args := TakeArgs{Size: 50, Count: 1, TTL: 3600}

	const callers = 60
	var wg sync.WaitGroup
	conformant := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Take(ctx, "shared", args)
			if err == nil {
				conformant <- res.Conformant
			}
		}()
	}
	wg.Wait()
	close(conformant)

	granted := 0
	for ok := range conformant {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 50, granted)

	st, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Remaining, float64(0))
}

func TestMemoryScan(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	_, err := s.Take(ctx, "ip:1.1.1.1", TakeArgs{Size: 10, Count: 1, TTL: 3600})
	require.NoError(t, err)
	_, err = s.Take(ctx, "ip:2.2.2.2", TakeArgs{Size: 10, Count: 1, TTL: 3600})
	require.NoError(t, err)
	_, err = s.Take(ctx, "user:alice", TakeArgs{Size: 10, Count: 1, TTL: 3600})
	require.NoError(t, err)

	keys, err := s.Scan(ctx, "ip:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"ip:1.1.1.1", "ip:2.2.2.2"}, keys)

	keys, err = s.Scan(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryFlushAll(t *testing.T) {
	s := NewMemory(nil)
	ctx := context.Background()

	_, err := s.Take(ctx, "a", TakeArgs{Size: 10, Count: 1, TTL: 3600})
	require.NoError(t, err)
	_, err = s.Take(ctx, "b", TakeArgs{Size: 10, Count: 1, TTL: 3600})
	require.NoError(t, err)
	require.Equal(t, 2, s.Count())

	require.NoError(t, s.FlushAll(ctx))
	assert.Equal(t, 0, s.Count())
}
