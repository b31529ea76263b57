// Package policy defines the eviction tracker contract consumed by the cache.
//
// A tracker keeps recency (or admission) order over the live keys of a cache
// and names the next victim when the cache is full. Trackers only manage key
// order; the cache owns the entries and removes them.
package policy

// Tracker records key accesses and selects eviction victims.
// Implementations must be safe for concurrent use: the cache calls them from
// many lanes at once.
type Tracker[K comparable] interface {
	// Touch records an access or write of k in O(1), inserting k when it is
	// not tracked yet.
	Touch(k K)

	// EvictOne removes and returns the next victim in O(1).
	// ok is false when the tracker is empty ("nothing to evict").
	EvictOne() (k K, ok bool)

	// Remove stops tracking k (explicit delete or expiry).
	// It reports whether k was tracked.
	Remove(k K) bool

	// Contains reports whether k is tracked.
	Contains(k K) bool

	// Len returns the number of tracked keys.
	Len() int
}
