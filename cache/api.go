package cache

import (
	"context"
	"time"

	"github.com/IvanBrykalov/lanecache/lane"
)

// Cache is a lane-partitioned in-memory key/value cache.
// All methods are safe for concurrent use by multiple goroutines.
//
// Every operation on a key runs on that key's lane, so operations on one key
// are applied in the order they were submitted and never overlap. The
// context of a blocking method bounds the wait for the lane and is handed to
// the backing store; an operation that was queued still runs when the caller
// stops waiting.
type Cache[K comparable, V any] interface {
	// Get returns the value for k, or ErrKeyNotFound when k is absent or
	// expired. A hit promotes k in the eviction tracker.
	Get(ctx context.Context, k K) (V, error)

	// GetAsync is Get returning a Future instead of blocking.
	GetAsync(k K) *lane.Future[V]

	// Put inserts or updates k→v through the write policy, evicting first
	// when k is new and the cache is full. It uses Options.DefaultTTL.
	Put(ctx context.Context, k K, v V) error

	// PutAsync is Put returning a Future instead of blocking.
	PutAsync(k K, v V) *lane.Future[struct{}]

	// PutWithTTL is Put with a per-key TTL. A non-positive ttl disables
	// expiration for this entry.
	PutWithTTL(ctx context.Context, k K, v V, ttl time.Duration) error

	// Add inserts k→v only if k is not resident. It reports whether it did.
	Add(ctx context.Context, k K, v V) (bool, error)

	// Remove deletes k from the cache (not from the backing store) and
	// reports whether it was resident.
	Remove(ctx context.Context, k K) (bool, error)

	// Contains reports whether k is resident without promoting it.
	Contains(ctx context.Context, k K) (bool, error)

	// Fill stores k→v in the cache only, bypassing the write policy.
	// Loaders use it for values that came from the backing store.
	Fill(ctx context.Context, k K, v V) error

	// Lookup is Get reporting a miss as ok=false instead of an error.
	// It does not count hits or misses.
	Lookup(ctx context.Context, k K) (v V, ok bool, err error)

	// GetOrLoad returns the value for k, loading it through Options.Loader
	// on a miss. Concurrent misses of one key run the loader once.
	GetOrLoad(ctx context.Context, k K) (V, error)

	// Flush pushes writes buffered by the write policy to the backing store.
	Flush(ctx context.Context) error

	// Len returns the number of resident entries.
	Len() int

	// Capacity returns the entry limit.
	Capacity() int

	// Stats returns a snapshot of the local counters.
	Stats() Stats

	// Close drains the lanes, flushes and closes the write policy and stops
	// the TTL sweeper. Lanes that had to be force-stopped are reported as a
	// *ShutdownError.
	Close() error
}
