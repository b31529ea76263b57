package storage

import (
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/lanecache/internal/util"
)

// Map is the default Storage: a striped map with an exact global capacity.
// Each stripe has its own RWMutex; the entry count is reserved atomically
// before a new key is inserted, so Size never exceeds Capacity even when many
// lanes insert at once.
type Map[K comparable, V any] struct {
	stripes []*stripe[K, V]
	hash    func(K) uint64
	cap     int
	size    atomic.Int64
}

type stripe[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
	_  util.CacheLinePad
}

var _ Storage[string, int] = (*Map[string, int])(nil)

// MapOptions configures NewMap. Zero values are safe.
type MapOptions[K comparable] struct {
	// Stripes is the lock stripe count; <= 0 picks util.ReasonableShardCount().
	Stripes int
	// Hash maps keys to stripes; nil uses util.Hash.
	Hash func(K) uint64
}

// NewMap returns an empty Map bounded to capacity entries.
// It panics if capacity <= 0.
func NewMap[K comparable, V any](capacity int, opt MapOptions[K]) *Map[K, V] {
	if capacity <= 0 {
		panic("storage: capacity must be > 0")
	}
	n := opt.Stripes
	if n <= 0 {
		n = util.ReasonableShardCount()
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	per := (capacity + n - 1) / n
	m := &Map[K, V]{
		stripes: make([]*stripe[K, V], n),
		hash:    opt.Hash,
		cap:     capacity,
	}
	for i := range m.stripes {
		m.stripes[i] = &stripe[K, V]{m: make(map[K]V, per)}
	}
	return m
}

func (m *Map[K, V]) stripeOf(k K) *stripe[K, V] {
	return m.stripes[util.ShardIndex(m.hash(k), len(m.stripes))]
}

// Put inserts or replaces k→v.
func (m *Map[K, V]) Put(k K, v V) error {
	s := m.stripeOf(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[k]; ok {
		s.m[k] = v
		return nil
	}
	if !m.reserve() {
		return ErrCapacityExceeded
	}
	s.m[k] = v
	return nil
}

// reserve claims one slot of capacity.
func (m *Map[K, V]) reserve() bool {
	for {
		n := m.size.Load()
		if n >= int64(m.cap) {
			return false
		}
		if m.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Get returns the value for k.
func (m *Map[K, V]) Get(k K) (V, error) {
	s := m.stripeOf(k)
	s.mu.RLock()
	v, ok := s.m[k]
	s.mu.RUnlock()
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

// Remove deletes k.
func (m *Map[K, V]) Remove(k K) bool {
	s := m.stripeOf(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[k]; !ok {
		return false
	}
	delete(s.m, k)
	m.size.Add(-1)
	return true
}

// Contains reports whether k is present.
func (m *Map[K, V]) Contains(k K) bool {
	s := m.stripeOf(k)
	s.mu.RLock()
	_, ok := s.m[k]
	s.mu.RUnlock()
	return ok
}

// Size returns the number of resident entries.
func (m *Map[K, V]) Size() int { return int(m.size.Load()) }

// Capacity returns the entry limit.
func (m *Map[K, V]) Capacity() int { return m.cap }
