// Package twoq implements the 2Q eviction tracker.
package twoq

import (
	"sync"

	"github.com/IvanBrykalov/lanecache/internal/list"
	"github.com/IvanBrykalov/lanecache/policy"
)

const (
	tagIn uint8 = iota + 1
	tagMain
)

// Tracker implements 2Q admission and eviction.
//
// Resident queues:
//   - A1in (young): first-time keys, FIFO-ish by admission.
//   - Am   (main): keys re-accessed while resident, or re-admitted from ghosts.
//
// Ghost A1out holds keys only (no values) of recent A1in victims; a ghost hit
// on re-admission bypasses A1in. Scans therefore churn A1in and leave Am alone.
type Tracker[K comparable] struct {
	mu sync.Mutex

	capIn    int // A1in target size
	capGhost int // A1out size

	nodes map[K]*list.Node[K]
	in    list.List[K]
	main  list.List[K]

	ghosts   list.List[K]
	ghostIdx map[K]*list.Node[K]
}

var _ policy.Tracker[string] = (*Tracker[string])(nil)

// New constructs a 2Q tracker.
// Common choices: capIn ≈ 25% of cache capacity; capGhost ≈ 50–100% of it.
func New[K comparable](capIn, capGhost int) *Tracker[K] {
	if capIn < 1 {
		capIn = 1
	}
	if capGhost < 1 {
		capGhost = 1
	}
	return &Tracker[K]{
		capIn:    capIn,
		capGhost: capGhost,
		nodes:    make(map[K]*list.Node[K]),
		ghostIdx: make(map[K]*list.Node[K]),
	}
}

// Touch admits or promotes k:
//   - tracked in A1in: promoted to Am (second access).
//   - tracked in Am: moved to MRU of Am.
//   - untracked with a ghost entry: admitted straight into Am.
//   - untracked otherwise: admitted into A1in.
func (q *Tracker[K]) Touch(k K) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n, ok := q.nodes[k]; ok {
		if n.Tag == tagIn {
			q.in.Remove(n)
			n.Tag = tagMain
			q.main.PushFront(n)
			return
		}
		q.main.MoveToFront(n)
		return
	}

	n := &list.Node[K]{Key: k}
	q.nodes[k] = n
	if g, ok := q.ghostIdx[k]; ok {
		q.ghosts.Remove(g)
		delete(q.ghostIdx, k)
		n.Tag = tagMain
		q.main.PushFront(n)
		return
	}
	n.Tag = tagIn
	q.in.PushFront(n)
}

// EvictOne prefers the LRU of A1in while A1in is over its target size (or Am
// is empty); A1in victims are remembered as ghosts. Otherwise it evicts the
// LRU of Am.
func (q *Tracker[K]) EvictOne() (K, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.in.Len() > 0 && (q.in.Len() > q.capIn || q.main.Len() == 0) {
		n := q.in.PopBack()
		delete(q.nodes, n.Key)
		q.addGhostLocked(n.Key)
		return n.Key, true
	}
	if n := q.main.PopBack(); n != nil {
		delete(q.nodes, n.Key)
		return n.Key, true
	}
	var zero K
	return zero, false
}

// Remove drops k without remembering it as a ghost (explicit delete).
func (q *Tracker[K]) Remove(k K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.nodes[k]
	if !ok {
		return false
	}
	if n.Tag == tagIn {
		q.in.Remove(n)
	} else {
		q.main.Remove(n)
	}
	delete(q.nodes, k)
	return true
}

// Contains reports whether k is resident in A1in or Am.
func (q *Tracker[K]) Contains(k K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.nodes[k]
	return ok
}

// Len returns the number of resident keys (ghosts excluded).
func (q *Tracker[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.in.Len() + q.main.Len()
}

func (q *Tracker[K]) addGhostLocked(k K) {
	if old, ok := q.ghostIdx[k]; ok {
		q.ghosts.Remove(old)
	}
	g := &list.Node[K]{Key: k}
	q.ghostIdx[k] = g
	q.ghosts.PushFront(g)

	for q.ghosts.Len() > q.capGhost {
		tail := q.ghosts.PopBack()
		delete(q.ghostIdx, tail.Key)
	}
}
