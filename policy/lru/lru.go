// Package lru implements the global LRU tracker: one recency list and one
// index guarded by a single mutex, giving exact least-recently-used order.
package lru

import (
	"sync"

	"github.com/IvanBrykalov/lanecache/internal/list"
	"github.com/IvanBrykalov/lanecache/policy"
)

// Tracker is an exact LRU tracker. All methods are safe for concurrent use.
type Tracker[K comparable] struct {
	mu    sync.Mutex
	nodes map[K]*list.Node[K]
	order list.List[K] // head = MRU, tail = LRU
}

var _ policy.Tracker[string] = (*Tracker[string])(nil)

// New returns an empty LRU tracker.
func New[K comparable]() *Tracker[K] {
	return &Tracker[K]{nodes: make(map[K]*list.Node[K])}
}

// Touch promotes k to MRU, inserting it if absent.
func (t *Tracker[K]) Touch(k K) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, ok := t.nodes[k]; ok {
		t.order.MoveToFront(n)
		return
	}
	n := &list.Node[K]{Key: k}
	t.nodes[k] = n
	t.order.PushFront(n)
}

// EvictOne removes and returns the LRU key.
func (t *Tracker[K]) EvictOne() (K, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.order.PopBack()
	if n == nil {
		var zero K
		return zero, false
	}
	delete(t.nodes, n.Key)
	return n.Key, true
}

// Remove drops k from the tracker.
func (t *Tracker[K]) Remove(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[k]
	if !ok {
		return false
	}
	t.order.Remove(n)
	delete(t.nodes, k)
	return true
}

// Contains reports whether k is tracked.
func (t *Tracker[K]) Contains(k K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.nodes[k]
	return ok
}

// Len returns the number of tracked keys.
func (t *Tracker[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
