package twoq

import "testing"

// A first-time key is admitted into A1in.
func TestTwoQ_TouchGoesToA1in(t *testing.T) {
	t.Parallel()

	q := New[string](2, 4)
	q.Touch("a")

	if q.in.Len() != 1 || q.main.Len() != 0 {
		t.Fatalf("A1in must have 1 element, got in=%d main=%d", q.in.Len(), q.main.Len())
	}
	if !q.Contains("a") {
		t.Fatal("a must be tracked")
	}
}

// While A1in is over its target, victims come from A1in's LRU.
func TestTwoQ_OverflowEvictsLRUOfA1in(t *testing.T) {
	t.Parallel()

	q := New[string](2, 4)
	q.Touch("hot")
	q.Touch("hot") // promoted to Am
	q.Touch("a")
	q.Touch("b")
	q.Touch("c") // A1in: [c, b, a] > capIn

	if k, ok := q.EvictOne(); !ok || k != "a" {
		t.Fatalf("want A1in LRU a, got %q ok=%v", k, ok)
	}
	if !q.Contains("hot") {
		t.Fatal("Am key must survive A1in churn")
	}
}

// A1in victims become ghosts; explicit removal does not.
func TestTwoQ_EvictFromA1inGoesToGhost(t *testing.T) {
	t.Parallel()

	q := New[string](1, 2)
	q.Touch("a")
	if k, _ := q.EvictOne(); k != "a" {
		t.Fatalf("want a, got %q", k)
	}
	if _, ok := q.ghostIdx["a"]; !ok {
		t.Fatal("key 'a' must be in ghost (A1out)")
	}

	q.Touch("b")
	q.Remove("b")
	if _, ok := q.ghostIdx["b"]; ok {
		t.Fatal("explicit Remove must not create a ghost")
	}
}

// Re-admitting a ghost key bypasses A1in and goes to Am.
func TestTwoQ_TouchFromGhostGoesToAm(t *testing.T) {
	t.Parallel()

	q := New[string](1, 2)
	q.Touch("a")
	q.EvictOne()

	q.Touch("a")
	n := q.nodes["a"]
	if n == nil || n.Tag != tagMain {
		t.Fatal("a must be admitted to Am from ghosts")
	}
	if _, ok := q.ghostIdx["a"]; ok {
		t.Fatal("ghost entry must be consumed")
	}
}

// A second touch while in A1in promotes to Am.
func TestTwoQ_TouchPromotesFromA1inToAm(t *testing.T) {
	t.Parallel()

	q := New[string](2, 2)
	q.Touch("a")
	q.Touch("a")
	if q.in.Len() != 0 || q.main.Len() != 1 {
		t.Fatalf("a must move to Am, got in=%d main=%d", q.in.Len(), q.main.Len())
	}
}

// Ghost capacity is enforced by dropping the oldest ghosts.
func TestTwoQ_GhostCapacity(t *testing.T) {
	t.Parallel()

	q := New[int](1, 2)
	for k := 0; k < 4; k++ {
		q.Touch(k)
		q.EvictOne()
	}
	if q.ghosts.Len() != 2 {
		t.Fatalf("ghosts must be capped at 2, got %d", q.ghosts.Len())
	}
	if _, ok := q.ghostIdx[0]; ok {
		t.Fatal("oldest ghost must be dropped")
	}
	if _, ok := q.EvictOne(); ok {
		t.Fatal("no resident keys left")
	}
	if q.Len() != 0 {
		t.Fatalf("Len must be 0, got %d", q.Len())
	}
}
