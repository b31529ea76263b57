// Package sharded implements an approximate-LRU tracker split into
// independent shards, each with its own recency list and lock.
//
// Touch contends only on the key's shard. EvictOne has to pick a victim
// across shards; with OldestHead it compares the LRU stamps of every shard
// and evicts the globally oldest one it saw, which is exact within a shard
// and approximate globally (a concurrent touch may move a shard's tail
// between the scan and the pop). RoundRobin skips the scan and rotates
// through shards instead.
package sharded

import (
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/lanecache/internal/list"
	"github.com/IvanBrykalov/lanecache/internal/util"
	"github.com/IvanBrykalov/lanecache/policy"
)

// Selection chooses how EvictOne picks the shard to evict from.
type Selection int

const (
	// OldestHead evicts from the shard whose LRU node has the smallest
	// last-touch stamp.
	OldestHead Selection = iota
	// RoundRobin evicts the LRU node of the next non-empty shard in turn.
	RoundRobin
)

// scanRetries bounds how often EvictOne rescans when the chosen shard's
// tail changed under it.
const scanRetries = 3

// Options configures the sharded tracker. Zero values are safe.
type Options[K comparable] struct {
	// Shards is the shard count; <= 0 picks util.ReasonableShardCount().
	Shards int
	// Selection is the cross-shard victim strategy (default OldestHead).
	Selection Selection
	// Hash maps keys to shards; nil uses util.Hash.
	Hash func(K) uint64
}

// Tracker is a sharded LRU tracker. All methods are safe for concurrent use.
type Tracker[K comparable] struct {
	shards []*shard[K]
	hash   func(K) uint64
	sel    Selection

	// clock hands out touch stamps; stamps grow monotonically.
	clock util.PaddedAtomicUint64
	rr    atomic.Uint64
}

type shard[K comparable] struct {
	mu    sync.Mutex
	nodes map[K]*list.Node[K]
	order list.List[K]
	_     util.CacheLinePad
}

var _ policy.Tracker[string] = (*Tracker[string])(nil)

// New returns an empty sharded tracker.
func New[K comparable](opt Options[K]) *Tracker[K] {
	n := opt.Shards
	if n <= 0 {
		n = util.ReasonableShardCount()
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	t := &Tracker[K]{
		shards: make([]*shard[K], n),
		hash:   opt.Hash,
		sel:    opt.Selection,
	}
	for i := range t.shards {
		t.shards[i] = &shard[K]{nodes: make(map[K]*list.Node[K])}
	}
	return t
}

// Shards returns the shard count.
func (t *Tracker[K]) Shards() int { return len(t.shards) }

// ShardOf returns the shard index of k (hash(k) mod S).
func (t *Tracker[K]) ShardOf(k K) int { return util.ShardIndex(t.hash(k), len(t.shards)) }

// Touch promotes k to MRU within its shard and stamps it.
func (t *Tracker[K]) Touch(k K) {
	s := t.shards[t.ShardOf(k)]
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stamping under the shard lock keeps stamps ordered along each list.
	stamp := t.clock.Add(1)
	if n, ok := s.nodes[k]; ok {
		n.Stamp = stamp
		s.order.MoveToFront(n)
		return
	}
	n := &list.Node[K]{Key: k, Stamp: stamp}
	s.nodes[k] = n
	s.order.PushFront(n)
}

// EvictOne removes and returns a victim chosen by the configured Selection.
func (t *Tracker[K]) EvictOne() (K, bool) {
	if t.sel == RoundRobin {
		return t.evictRoundRobin()
	}
	return t.evictOldest()
}

func (t *Tracker[K]) evictOldest() (K, bool) {
	for attempt := 0; attempt < scanRetries; attempt++ {
		best, stamp := -1, uint64(0)
		for i, s := range t.shards {
			s.mu.Lock()
			if tail := s.order.Back(); tail != nil && (best < 0 || tail.Stamp < stamp) {
				best, stamp = i, tail.Stamp
			}
			s.mu.Unlock()
		}
		if best < 0 {
			var zero K
			return zero, false
		}

		s := t.shards[best]
		s.mu.Lock()
		tail := s.order.Back()
		if tail != nil && (tail.Stamp == stamp || attempt == scanRetries-1) {
			k := s.popLocked()
			s.mu.Unlock()
			return k, true
		}
		s.mu.Unlock()
	}
	// The chosen shard kept emptying under us: take any victim.
	return t.evictRoundRobin()
}

func (t *Tracker[K]) evictRoundRobin() (K, bool) {
	n := uint64(len(t.shards))
	start := t.rr.Add(1)
	for i := uint64(0); i < n; i++ {
		s := t.shards[(start+i)%n]
		s.mu.Lock()
		if s.order.Len() > 0 {
			k := s.popLocked()
			s.mu.Unlock()
			return k, true
		}
		s.mu.Unlock()
	}
	var zero K
	return zero, false
}

// popLocked removes the shard's LRU node. s.mu must be held and the list non-empty.
func (s *shard[K]) popLocked() K {
	n := s.order.PopBack()
	delete(s.nodes, n.Key)
	return n.Key
}

// Remove drops k from its shard.
func (t *Tracker[K]) Remove(k K) bool {
	s := t.shards[t.ShardOf(k)]
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[k]
	if !ok {
		return false
	}
	s.order.Remove(n)
	delete(s.nodes, k)
	return true
}

// Contains reports whether k is tracked.
func (t *Tracker[K]) Contains(k K) bool {
	s := t.shards[t.ShardOf(k)]
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[k]
	return ok
}

// Len returns the number of tracked keys across shards.
func (t *Tracker[K]) Len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += s.order.Len()
		s.mu.Unlock()
	}
	return total
}
