package lru

import (
	"strconv"
	"sync"
	"testing"
)

// Keys touched A..E are evicted in the same order when nothing is re-read.
func TestLRU_EvictsInTouchOrder(t *testing.T) {
	t.Parallel()

	tr := New[string]()
	for _, k := range []string{"A", "B", "C", "D", "E"} {
		tr.Touch(k)
	}
	for _, want := range []string{"A", "B", "C", "D", "E"} {
		got, ok := tr.EvictOne()
		if !ok || got != want {
			t.Fatalf("EvictOne want %s, got %s ok=%v", want, got, ok)
		}
	}
}

// A second touch promotes a key to MRU.
func TestLRU_TouchPromotes(t *testing.T) {
	t.Parallel()

	tr := New[string]()
	tr.Touch("a")
	tr.Touch("b")
	tr.Touch("a") // a -> MRU, b is LRU now

	if got, _ := tr.EvictOne(); got != "b" {
		t.Fatalf("want b evicted first, got %s", got)
	}
	if got, _ := tr.EvictOne(); got != "a" {
		t.Fatalf("want a evicted second, got %s", got)
	}
}

// Evicting from an empty tracker is not an error.
func TestLRU_EmptyEvict(t *testing.T) {
	t.Parallel()

	tr := New[int]()
	if _, ok := tr.EvictOne(); ok {
		t.Fatal("empty tracker must report no victim")
	}
	if tr.Remove(1) {
		t.Fatal("Remove of an absent key must be false")
	}
}

func TestLRU_RemoveAndContains(t *testing.T) {
	t.Parallel()

	tr := New[string]()
	tr.Touch("x")
	tr.Touch("y")
	if !tr.Contains("x") || tr.Len() != 2 {
		t.Fatal("x must be tracked and Len must be 2")
	}
	if !tr.Remove("x") {
		t.Fatal("Remove x must be true")
	}
	if tr.Contains("x") || tr.Len() != 1 {
		t.Fatal("x must be gone")
	}
	if got, _ := tr.EvictOne(); got != "y" {
		t.Fatalf("only y must remain, got %s", got)
	}
}

// Concurrent touches and evictions keep Len consistent (run with -race).
func TestLRU_Concurrent(t *testing.T) {
	tr := New[string]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tr.Touch(strconv.Itoa(id*1000 + i))
				if i%3 == 0 {
					tr.EvictOne()
				}
			}
		}(w)
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := tr.EvictOne(); !ok {
			break
		}
		n++
	}
	if tr.Len() != 0 {
		t.Fatalf("Len after drain must be 0, got %d", tr.Len())
	}
	if n == 0 {
		t.Fatal("expected residual keys")
	}
}
