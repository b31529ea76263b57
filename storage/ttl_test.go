package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  int64
}

func (f *fakeClock) NowUnixNano() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t += int64(d)
	f.mu.Unlock()
}

func newTTL(clk Clock, opt TTLOptions[string, int]) *TTL[string, int] {
	opt.Clock = clk
	return NewTTL[string, int](NewMap[string, int](8, MapOptions[string]{}), opt)
}

// A 100ms TTL is visible at 50ms and gone at 150ms with no sweeper running.
func TestTTL_LazyExpiry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var expired []string
	s := newTTL(clk, TTLOptions[string, int]{
		OnExpire: func(k string, _ int) { expired = append(expired, k) },
	})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.PutWithTTL("x", 1, 100*time.Millisecond))

	clk.add(50 * time.Millisecond)
	v, err := s.Get("x")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clk.add(100 * time.Millisecond)
	_, err = s.Get("x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Contains("x"))
	assert.Equal(t, 0, s.Size())
	assert.Equal(t, []string{"x"}, expired)
}

func TestTTL_DefaultAndOverwrite(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	s := newTTL(clk, TTLOptions[string, int]{DefaultTTL: time.Second})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Put("a", 1))
	left, ok := s.Remaining("a")
	require.True(t, ok)
	assert.Equal(t, time.Second, left)

	// Overwriting without a TTL clears the record.
	require.NoError(t, s.PutWithTTL("a", 2, 0))
	_, ok = s.Remaining("a")
	assert.False(t, ok)

	clk.add(time.Hour)
	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestTTL_ExpireResidentOnly(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	s := newTTL(clk, TTLOptions[string, int]{})
	t.Cleanup(func() { _ = s.Close() })

	assert.False(t, s.Expire("missing", time.Second))

	require.NoError(t, s.Put("a", 1))
	assert.True(t, s.Expire("a", 10*time.Millisecond))
	assert.False(t, s.RemoveIfExpired("a"))

	clk.add(20 * time.Millisecond)
	assert.True(t, s.RemoveIfExpired("a"))
	assert.False(t, s.RemoveIfExpired("a"))
}

func TestTTL_SweepRemovesOrReclaims(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	s := newTTL(clk, TTLOptions[string, int]{})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.PutWithTTL("a", 1, time.Millisecond))
	require.NoError(t, s.PutWithTTL("b", 2, time.Hour))
	require.NoError(t, s.Put("c", 3))

	clk.add(time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 2, s.Size())

	// With a reclaim hook the sweeper only reports keys.
	var reclaimed []string
	r := newTTL(clk, TTLOptions[string, int]{Reclaim: func(k string) { reclaimed = append(reclaimed, k) }})
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.PutWithTTL("z", 1, time.Millisecond))
	clk.add(time.Second)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, []string{"z"}, reclaimed)
	assert.Equal(t, 1, r.Size(), "reclaim hook owns removal")
}

func TestTTL_BackgroundSweeper(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	done := make(chan string, 1)
	s := newTTL(clk, TTLOptions[string, int]{
		SweepInterval: 5 * time.Millisecond,
		OnExpire:      func(k string, _ int) { done <- k },
	})

	require.NoError(t, s.PutWithTTL("a", 1, time.Millisecond))
	clk.add(time.Second)

	select {
	case k := <-done:
		assert.Equal(t, "a", k)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not reclaim the expired key")
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
