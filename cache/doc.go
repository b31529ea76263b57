// Package cache provides a generic, lane-partitioned in-memory cache with
// pluggable eviction trackers, pluggable write policies, per-entry TTL and
// stampede-protected loading.
//
// Design
//
//   - Concurrency: every key is pinned to one of N executor lanes
//     (package lane). All operations on a key run on its lane in submission
//     order, so storage, tracker and write policy never see two operations
//     on one key at once, while different keys proceed in parallel.
//
//   - Capacity: the default storage (storage.Map) reserves slots atomically,
//     so the resident count never exceeds Capacity. A put of a new key into a
//     full cache asks the tracker for a victim and removes it on the victim's
//     own lane before writing.
//
//   - Eviction: trackers are pluggable via the policy package. Global LRU is
//     the default; policy/sharded trades exact global order for lower lock
//     contention; policy/twoq resists scan pollution.
//
//   - Write policies (package writepolicy): write-through (default),
//     write-around, batched write-back and durable write-behind with a
//     write-ahead log. The policy is chosen at construction.
//
//   - TTL: entries can expire after DefaultTTL or a per-key TTL. Expiration
//     is lazy on read, so an expired value is never returned; a background
//     sweep reclaims keys nobody reads again.
//
//   - GetOrLoad: misses run Options.Loader (or read Options.Backend) at most
//     once per key among concurrent callers, guarded by striped locks with a
//     bounded wait (package stampede).
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Size/Latency/Load
//     signals. NoopMetrics is the default; metrics/prom exports them.
//
// Basic usage
//
//	c, err := cache.New[string, []byte](cache.Options[string, []byte]{Capacity: 10_000})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	_ = c.Put(ctx, "a", []byte("1"))
//	v, err := c.Get(ctx, "a")
//	if errors.Is(err, cache.ErrKeyNotFound) {
//	    // miss
//	}
//
// With a backing store and durable write-behind
//
//	log, _ := wal.Open[string, string](wal.Options{Path: "cache.wal"})
//	wp, _ := writepolicy.NewBehind(writepolicy.BehindOptions[string, string]{WAL: log})
//	c, err := cache.New[string, string](cache.Options[string, string]{
//	    Capacity:    50_000,
//	    Backend:     redisstore.New[string, string](client, redisstore.Options[string]{Prefix: "app"}),
//	    WritePolicy: wp,
//	})
//
// Using an alternative tracker
//
//	c, err := cache.New[string, string](cache.Options[string, string]{
//	    Capacity: 50_000,
//	    Tracker:  sharded.New[string](sharded.Options[string]{Shards: 16}),
//	})
//
// Thread-safety & complexity
//
// All methods on Cache are safe for concurrent use. Each operation costs one
// lane hand-off plus O(1) map and list work; an eviction whose victim lives
// on another lane adds one cross-lane round trip.
package cache
