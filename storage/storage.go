// Package storage defines the bounded in-memory storage port of the cache
// together with its default implementation and the TTL layer.
package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by Get for absent (or expired) keys.
	ErrNotFound = errors.New("storage: key not found")

	// ErrCapacityExceeded is returned by Put when the key is new and the
	// storage is already at capacity. The cache resolves it by evicting.
	ErrCapacityExceeded = errors.New("storage: capacity exceeded")
)

// Storage is a bounded key/value map. Implementations must be safe for
// concurrent use across distinct keys; the cache guarantees that operations
// on one key never run concurrently.
type Storage[K comparable, V any] interface {
	// Put inserts or replaces k→v. Inserting a new key into a full storage
	// fails with ErrCapacityExceeded, atomically with the size check.
	Put(k K, v V) error
	// Get returns the value for k or ErrNotFound.
	Get(k K) (V, error)
	// Remove deletes k and reports whether it was present.
	Remove(k K) bool
	// Contains reports whether k is present.
	Contains(k K) bool
	// Size returns the number of resident entries.
	Size() int
	// Capacity returns the entry limit.
	Capacity() int
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

type wallClock struct{}

func (wallClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// WallClock is the default Clock backed by time.Now.
var WallClock Clock = wallClock{}
