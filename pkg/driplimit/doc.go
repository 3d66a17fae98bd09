// Package driplimit implements a distributed token-bucket rate limiter
// whose authoritative state lives in a shared Redis-compatible store,
// standalone or clustered, and is manipulated by atomic server-side
// scripts.
//
// # Quick Start
//
//	limiter, err := driplimit.New(driplimit.Config{
//	    URI: "redis://localhost:6379",
//	    Buckets: map[string]*driplimit.BucketConfig{
//	        "ip": {Size: 10, PerSecond: 5},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer limiter.Close()
//
//	res, err := limiter.Take(ctx, driplimit.Params{Type: "ip", Key: "1.1.1.1"})
//	if err != nil {
//	    // handle
//	}
//	if !res.Conformant {
//	    // rate limited; res.Reset says when the bucket refills
//	}
//
// # Buckets
//
// Each bucket type names a capacity (Size) and a refill rate, given
// either as Interval/PerInterval or through the PerSecond/PerMinute/
// PerHour/PerDay shortcuts. A type with no refill rate is a fixed
// bucket: tokens only come back through Put. Unlimited types answer
// without touching the store.
//
// Types can carry overrides: exact-key entries, regex-matched entries
// (memoized per key in a small LRU), and a time bound (Until) after
// which an override behaves as absent. A per-call ConfigOverride in
// Params trumps them all.
//
// # Consistency
//
// The drip-refill math runs inside Lua scripts evaluated atomically on
// the store against the server clock, so concurrent clients are
// linearized per bucket and client clock skew does not matter. A bucket
// that is exactly full is deleted rather than written; absence means
// full.
//
// # Resilience
//
// Every store dispatch is wrapped with a per-attempt command timeout,
// bounded retries, and a circuit breaker that ignores validation
// errors. In single-node mode an optional ping monitor probes the store
// and can force a reconnect after sustained failures. Lifecycle and
// ping outcomes are published on the Events channel.
//
// # Waiting
//
// Wait loops on Take, sleeping exactly long enough for the missing
// tokens to accrue. Many concurrent waiters on one bucket retry
// independently; the store serves whoever arrives first.
package driplimit
