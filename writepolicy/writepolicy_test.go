package writepolicy

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/storage"
	"github.com/IvanBrykalov/lanecache/wal"
)

var errBoom = errors.New("store unavailable")

func newStorage() *storage.Map[string, int] {
	return storage.NewMap[string, int](64, storage.MapOptions[string]{})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestThrough_WritesBoth(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	require.NoError(t, Through[string, int]{}.Write(context.Background(), "a", 1, s, store))

	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	got, ok := store.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got)
}

// A rejected store write leaves nothing in the cache.
func TestThrough_StoreFailureInvalidates(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	store.FailWith(errBoom)

	err := Through[string, int]{}.Write(context.Background(), "a", 1, s, store)
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, s.Contains("a"))
}

func TestThrough_CapacityErrorPropagates(t *testing.T) {
	t.Parallel()

	s := storage.NewMap[string, int](1, storage.MapOptions[string]{})
	require.NoError(t, s.Put("x", 0))

	err := Through[string, int]{}.Write(context.Background(), "a", 1, s, backend.NewMemory[string, int]())
	assert.ErrorIs(t, err, storage.ErrCapacityExceeded)
}

func TestAround_BypassesCache(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	require.NoError(t, s.Put("a", 0))

	require.NoError(t, Around[string, int]{}.Write(context.Background(), "a", 1, s, store))
	assert.False(t, s.Contains("a"), "stale copy must be invalidated")
	got, _ := store.Peek("a")
	assert.Equal(t, 1, got)
}

func TestBack_BatchThresholdFlushes(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	b := NewBack[string, int](BackOptions{BatchSize: 4, FlushInterval: -1})
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Write(ctx, strconv.Itoa(i), i, s, store))
	}
	assert.Equal(t, 3, s.Size(), "cache is written immediately")
	assert.Equal(t, 0, store.Len(), "below threshold nothing is flushed")

	require.NoError(t, b.Write(ctx, "3", 3, s, store))
	waitFor(t, func() bool { return store.Len() == 4 })
	assert.EqualValues(t, 1, store.Batches())
	assert.Zero(t, b.Pending())
}

func TestBack_CoalescesAndFlushes(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	b := NewBack[string, int](BackOptions{BatchSize: 100, FlushInterval: -1})
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Write(ctx, "k", i, s, store))
	}
	assert.Equal(t, 1, b.Pending())

	require.NoError(t, b.Flush(ctx))
	got, _ := store.Peek("k")
	assert.Equal(t, 9, got)
	assert.EqualValues(t, 1, store.Writes())
}

func TestBack_FailedBatchIsRequeued(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	b := NewBack[string, int](BackOptions{BatchSize: 100, FlushInterval: -1, MaxRetries: 2})
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "a", 1, s, store))

	store.FailWith(errBoom)
	assert.ErrorIs(t, b.Flush(ctx), errBoom)
	assert.Equal(t, 1, b.Pending())

	store.FailWith(nil)
	require.NoError(t, b.Flush(ctx))
	assert.Zero(t, b.Pending())
}

func TestBack_TimerAndClose(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	b := NewBack[string, int](BackOptions{BatchSize: 100, FlushInterval: 10 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, b.Write(ctx, "a", 1, s, store))
	waitFor(t, func() bool { return store.Len() == 1 })

	require.NoError(t, b.Write(ctx, "b", 2, s, store))
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, 2, store.Len())
	assert.ErrorIs(t, b.Flush(ctx), ErrClosed)

	// After Close writes go straight to the store.
	require.NoError(t, b.Write(ctx, "c", 3, s, store))
	_, ok := store.Peek("c")
	assert.True(t, ok)
}

// gatedStore blocks the first batch write until released.
type gatedStore struct {
	*backend.Memory[string, int]
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Memory:  backend.NewMemory[string, int](),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) WriteBatch(ctx context.Context, recs []backend.Record[string, int]) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Memory.WriteBatch(ctx, recs)
}

func newBehind(t *testing.T, fs billy.Filesystem, opt BehindOptions[string, int]) *Behind[string, int] {
	t.Helper()
	log, err := wal.Open[string, int](wal.Options{FS: fs, NoSync: true})
	require.NoError(t, err)
	opt.WAL = log
	b, err := NewBehind(opt)
	require.NoError(t, err)
	return b
}

func walRecords(t *testing.T, fs billy.Filesystem) int {
	t.Helper()
	l, err := wal.Open[string, int](wal.Options{FS: fs})
	require.NoError(t, err)
	defer l.Close()
	n := 0
	require.NoError(t, l.Replay(func(wal.Record[string, int]) error { n++; return nil }))
	return n
}

func TestBehind_RequiresWAL(t *testing.T) {
	t.Parallel()
	_, err := NewBehind(BehindOptions[string, int]{})
	assert.Error(t, err)
}

func TestBehind_FlushCompactsLog(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	s, store := newStorage(), backend.NewMemory[string, int]()
	b := newBehind(t, fs, BehindOptions[string, int]{BatchSize: 100, FlushInterval: -1})
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Write(ctx, strconv.Itoa(i), i, s, store))
	}
	assert.Equal(t, 5, s.Size())
	assert.Equal(t, 5, walRecords(t, fs))
	assert.Equal(t, 0, store.Len())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 5, store.Len())
	assert.EqualValues(t, 5, b.Flushed())
	assert.Equal(t, 0, walRecords(t, fs))
}

// An acknowledged write survives a crash before any flush.
func TestBehind_CrashRecovery(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	ctx := context.Background()

	crashed := newBehind(t, fs, BehindOptions[string, int]{BatchSize: 100, FlushInterval: -1})
	require.NoError(t, crashed.Write(ctx, "a", 1, newStorage(), backend.NewMemory[string, int]()))
	require.NoError(t, crashed.Write(ctx, "a", 2, newStorage(), backend.NewMemory[string, int]()))
	require.NoError(t, crashed.Write(ctx, "b", 3, newStorage(), backend.NewMemory[string, int]()))
	// no Close: the process died here

	store := backend.NewMemory[string, int]()
	b := newBehind(t, fs, BehindOptions[string, int]{FlushInterval: -1})
	t.Cleanup(func() { _ = b.Close(ctx) })

	n, err := b.Recover(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	a, _ := store.Peek("a")
	assert.Equal(t, 2, a, "newest value per key wins")
	bv, _ := store.Peek("b")
	assert.Equal(t, 3, bv)
	assert.Equal(t, 0, walRecords(t, fs))
}

func TestBehind_DurabilityFailureLeavesCacheUntouched(t *testing.T) {
	t.Parallel()

	log, err := wal.Open[string, int](wal.Options{FS: memfs.New()})
	require.NoError(t, err)
	b, err := NewBehind(BehindOptions[string, int]{WAL: log, FlushInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	require.NoError(t, log.Close()) // every append now fails

	s := newStorage()
	err = b.Write(context.Background(), "a", 1, s, backend.NewMemory[string, int]())
	assert.ErrorIs(t, err, ErrDurability)
	assert.ErrorIs(t, err, wal.ErrClosed)
	assert.True(t, stderrors.Is(err, ErrDurability))
	assert.True(t, errors.Is(err, ErrDurability))
	assert.True(t, errors.Is(err, wal.ErrClosed))
	assert.False(t, s.Contains("a"))
}

func TestBehind_BackpressureFallsBackToDirectWrite(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	s, store := newStorage(), newGatedStore()
	b := newBehind(t, fs, BehindOptions[string, int]{
		QueueSize:     1,
		BatchSize:     1,
		FlushInterval: -1,
		OfferTimeout:  5 * time.Millisecond,
		ForceTimeout:  20 * time.Millisecond,
	})
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "k1", 1, s, store))
	<-store.entered // flusher is stuck writing k1

	require.NoError(t, b.Write(ctx, "k2", 2, s, store)) // fills the queue
	require.NoError(t, b.Write(ctx, "k3", 3, s, store)) // queue full: direct write
	assert.EqualValues(t, 1, b.DirectWrites())
	assert.GreaterOrEqual(t, b.ForcedFlushes(), int64(1))
	got, ok := store.Peek("k3")
	require.True(t, ok)
	assert.Equal(t, 3, got)

	// If the direct write fails too, the caller hears about it.
	store.FailWith(errBoom)
	err := b.Write(ctx, "k4", 4, s, store)
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, stderrors.Is(err, ErrBackpressure))
	assert.True(t, errors.Is(err, ErrBackpressure))
	assert.True(t, errors.Is(err, errBoom))
	assert.False(t, s.Contains("k4"))
	store.FailWith(nil)

	close(store.release)
	require.NoError(t, b.Flush(ctx))
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 0, walRecords(t, fs))
}

func TestBehind_CloseThenWriteIsSynchronous(t *testing.T) {
	t.Parallel()

	s, store := newStorage(), backend.NewMemory[string, int]()
	b := newBehind(t, memfs.New(), BehindOptions[string, int]{FlushInterval: -1})
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, "a", 1, s, store))
	require.NoError(t, b.Close(ctx))
	_, ok := store.Peek("a")
	assert.True(t, ok, "Close flushes the queue")

	require.NoError(t, b.Write(ctx, "b", 2, s, store))
	_, ok = store.Peek("b")
	assert.True(t, ok)
	assert.ErrorIs(t, b.Flush(ctx), ErrClosed)
}
