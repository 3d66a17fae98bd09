package driplimit

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// skipCacheSize bounds the number of tracked bucket keys.
const skipCacheSize = 8192

// skipCache lets buckets with skip_n_calls > 0 answer up to N takes
// from the last authoritative store result without a round trip. The
// cached answer is replayed whether it was conformant or not, so a
// tripped bucket does not re-admit locally. This is a deliberate
// accuracy-for-latency trade: up to N admits may be spurious while the
// real rate drifts in the store.
type skipCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *skipEntry]
}

type skipEntry struct {
	count int
	last  Result
}

func newSkipCache() *skipCache {
	entries, _ := lru.New[string, *skipEntry](skipCacheSize)
	return &skipCache{entries: entries}
}

// consult returns the cached result for key when the skip budget n has
// not been spent, charging one call against it.
func (c *skipCache) consult(key string, n int) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok || entry.count >= n {
		return nil, false
	}
	entry.count++
	res := entry.last
	return &res, true
}

// store resets the skip budget for key after an authoritative round
// trip.
func (c *skipCache) store(key string, res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, &skipEntry{count: 0, last: *res})
}

// reset drops every entry. Called on ResetAll so locally cached answers
// cannot outlive a flushed store.
func (c *skipCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}
