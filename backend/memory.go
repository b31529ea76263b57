package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is a map-backed Store with optional latency and failure injection.
type Memory[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V

	latency atomic.Int64 // time.Duration
	fail    atomic.Pointer[error]

	reads   atomic.Int64
	writes  atomic.Int64
	batches atomic.Int64
}

var (
	_ Store[string, int]       = (*Memory[string, int])(nil)
	_ BatchWriter[string, int] = (*Memory[string, int])(nil)
)

// NewMemory returns an empty Memory store.
func NewMemory[K comparable, V any]() *Memory[K, V] {
	return &Memory[K, V]{m: make(map[K]V)}
}

// SetLatency delays every Read, Write and WriteBatch by d.
func (s *Memory[K, V]) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

// FailWith makes every subsequent write fail with err; nil restores success.
func (s *Memory[K, V]) FailWith(err error) {
	if err == nil {
		s.fail.Store(nil)
		return
	}
	s.fail.Store(&err)
}

func (s *Memory[K, V]) wait(ctx context.Context) error {
	d := time.Duration(s.latency.Load())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Memory[K, V]) failure() error {
	if p := s.fail.Load(); p != nil {
		return *p
	}
	return nil
}

// Read returns the stored value or ErrNotFound.
func (s *Memory[K, V]) Read(ctx context.Context, k K) (V, error) {
	var zero V
	if err := s.wait(ctx); err != nil {
		return zero, err
	}
	s.reads.Add(1)
	s.mu.RLock()
	v, ok := s.m[k]
	s.mu.RUnlock()
	if !ok {
		return zero, ErrNotFound
	}
	return v, nil
}

// Write stores k→v.
func (s *Memory[K, V]) Write(ctx context.Context, k K, v V) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.failure(); err != nil {
		return err
	}
	s.writes.Add(1)
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
	return nil
}

// WriteBatch stores all recs atomically with respect to readers.
func (s *Memory[K, V]) WriteBatch(ctx context.Context, recs []Record[K, V]) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.failure(); err != nil {
		return err
	}
	s.batches.Add(1)
	s.writes.Add(int64(len(recs)))
	s.mu.Lock()
	for _, r := range recs {
		s.m[r.Key] = r.Value
	}
	s.mu.Unlock()
	return nil
}

// Peek returns the stored value without latency or counters.
func (s *Memory[K, V]) Peek(k K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

// Len returns the number of stored keys.
func (s *Memory[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *Memory[K, V]) Reads() int64   { return s.reads.Load() }
func (s *Memory[K, V]) Writes() int64  { return s.writes.Load() }
func (s *Memory[K, V]) Batches() int64 { return s.batches.Load() }
