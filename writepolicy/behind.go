package writepolicy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/internal/singleflight"
	"github.com/IvanBrykalov/lanecache/storage"
	"github.com/IvanBrykalov/lanecache/wal"
)

// BehindOptions configures NewBehind. Zero values are safe except WAL.
type BehindOptions[K comparable, V any] struct {
	// WAL receives every write before it is acknowledged. Behind owns it and
	// closes it on Close.
	WAL *wal.Log[K, V]
	// QueueSize bounds writes accepted but not yet flushed.
	QueueSize int
	// BatchSize is the flush unit.
	BatchSize int
	// FlushInterval flushes a partial batch periodically; < 0 disables.
	FlushInterval time.Duration
	// OfferTimeout is how long a write waits for queue space before forcing
	// a flush.
	OfferTimeout time.Duration
	// ForceTimeout bounds the wait for a forced flush.
	ForceTimeout time.Duration
	// MaxRetries bounds attempts per batch.
	MaxRetries uint
	Logger     *zap.Logger
}

// Behind is durable write-behind. A write is appended to the log, applied to
// the cache and acknowledged; a single background flusher moves queued writes
// to the store in batches and compacts the log past everything flushed.
//
// When the queue stays full for OfferTimeout, the writer forces a flush and
// retries once, then writes the store synchronously. It never blocks without
// bound and never drops a write.
type Behind[K comparable, V any] struct {
	opt   BehindOptions[K, V]
	log   *zap.Logger
	wal   *wal.Log[K, V]
	store binding[K, V]

	queue chan entry[K, V]
	reqs  chan chan error
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
	force singleflight.Group[string, struct{}]

	// mu orders log appends with checkpoint computation.
	mu           sync.Mutex
	outstanding  map[uint64]struct{} // appended, not yet in the store
	direct       map[K]uint64        // newest seq written synchronously per key
	checkpointed uint64
	closed       bool

	flushed atomic.Int64
	forced  atomic.Int64
	directs atomic.Int64
}

type entry[K comparable, V any] struct {
	seq uint64
	key K
	val V
}

var (
	_ Policy[string, int]    = (*Behind[string, int])(nil)
	_ Flusher                = (*Behind[string, int])(nil)
	_ Closer                 = (*Behind[string, int])(nil)
	_ Recoverer[string, int] = (*Behind[string, int])(nil)
)

// NewBehind starts the flusher. It fails if opt.WAL is nil.
func NewBehind[K comparable, V any](opt BehindOptions[K, V]) (*Behind[K, V], error) {
	if opt.WAL == nil {
		return nil, errors.New("writepolicy: write-behind requires a WAL")
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultBatchSize
	}
	if opt.FlushInterval == 0 {
		opt.FlushInterval = defaultFlushInterval
	}
	if opt.OfferTimeout <= 0 {
		opt.OfferTimeout = 50 * time.Millisecond
	}
	if opt.ForceTimeout <= 0 {
		opt.ForceTimeout = time.Second
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = defaultMaxRetries
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	b := &Behind[K, V]{
		opt:         opt,
		log:         opt.Logger.Named("write-behind"),
		wal:         opt.WAL,
		queue:       make(chan entry[K, V], opt.QueueSize),
		reqs:        make(chan chan error),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		outstanding: make(map[uint64]struct{}),
		direct:      make(map[K]uint64),
	}
	go b.loop()
	return b, nil
}

func (b *Behind[K, V]) Write(ctx context.Context, k K, v V, s storage.Storage[K, V], store backend.Store[K, V]) error {
	b.store.bind(store)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		if err := s.Put(k, v); err != nil {
			return err
		}
		return store.Write(ctx, k, v)
	}
	seq, err := b.wal.Append(k, v)
	if err != nil {
		b.mu.Unlock()
		return classify(ErrDurability, err, "write-behind %v", k)
	}
	b.outstanding[seq] = struct{}{}
	b.mu.Unlock()

	if err := s.Put(k, v); err != nil {
		b.release(seq)
		return err
	}

	e := entry[K, V]{seq: seq, key: k, val: v}
	if b.offer(e) {
		return nil
	}
	b.forced.Add(1)
	fctx, cancel := context.WithTimeout(ctx, b.opt.ForceTimeout)
	_, _, err = b.force.Do(fctx, "flush", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.Flush(ctx)
	})
	cancel()
	if err != nil {
		b.log.Warn("forced flush failed", zap.Error(err))
	}
	if b.offer(e) {
		return nil
	}

	if err := store.Write(ctx, k, v); err != nil {
		s.Remove(k)
		b.release(seq)
		return classify(ErrBackpressure, err, "write-behind %v: queue full and direct write failed", k)
	}
	b.directs.Add(1)
	b.mu.Lock()
	b.direct[k] = seq
	delete(b.outstanding, seq)
	b.mu.Unlock()
	return nil
}

// offer enqueues e, waiting at most OfferTimeout for space.
func (b *Behind[K, V]) offer(e entry[K, V]) bool {
	select {
	case b.queue <- e:
		return true
	default:
	}
	t := time.NewTimer(b.opt.OfferTimeout)
	defer t.Stop()
	select {
	case b.queue <- e:
		return true
	case <-t.C:
		return false
	case <-b.done:
		return false
	}
}

func (b *Behind[K, V]) release(seqs ...uint64) {
	b.mu.Lock()
	for _, s := range seqs {
		delete(b.outstanding, s)
	}
	b.mu.Unlock()
}

// Flush writes every queued record and waits for the result.
func (b *Behind[K, V]) Flush(ctx context.Context) error {
	return requestFlush(ctx, b.reqs, b.done)
}

// Recover writes every record in the log to store, newest value per key, and
// compacts the log. Call it before the cache accepts writes.
func (b *Behind[K, V]) Recover(ctx context.Context, store backend.Store[K, V]) (int, error) {
	b.store.bind(store)

	var (
		last   uint64
		latest = make(map[K]int)
		recs   []backend.Record[K, V]
	)
	err := b.wal.Replay(func(r wal.Record[K, V]) error {
		last = r.Seq
		if i, ok := latest[r.Key]; ok {
			recs[i].Value = r.Value
			return nil
		}
		latest[r.Key] = len(recs)
		recs = append(recs, backend.Record[K, V]{Key: r.Key, Value: r.Value})
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "write-behind recover")
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := writeWithRetry(ctx, store, recs, b.opt.MaxRetries, b.log); err != nil {
		return 0, errors.Wrap(err, "write-behind recover")
	}
	b.checkpoint(last)
	b.log.Info("recovered unflushed writes", zap.Int("keys", len(recs)), zap.Uint64("last_seq", last))
	return len(recs), nil
}

// Close flushes the queue, stops the flusher and closes the log. Records
// that could not be flushed stay in the log for Recover.
func (b *Behind[K, V]) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stop)
	})
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	left := len(b.outstanding)
	b.mu.Unlock()

	err := b.wal.Close()
	if left > 0 {
		err = errors.CombineErrors(errors.Newf("writepolicy: write-behind closed with %d unflushed records", left), err)
	}
	return err
}

// Flushed returns how many records reached the store through the flusher.
func (b *Behind[K, V]) Flushed() int64 { return b.flushed.Load() }

// ForcedFlushes returns how many writes found the queue full.
func (b *Behind[K, V]) ForcedFlushes() int64 { return b.forced.Load() }

// DirectWrites returns how many writes fell back to a synchronous store write.
func (b *Behind[K, V]) DirectWrites() int64 { return b.directs.Load() }

func (b *Behind[K, V]) loop() {
	defer close(b.done)

	var tick <-chan time.Time
	if b.opt.FlushInterval > 0 {
		t := time.NewTicker(b.opt.FlushInterval)
		defer t.Stop()
		tick = t.C
	}

	var (
		batch []entry[K, V]
		err   error
	)
	for {
		select {
		case <-b.stop:
			if batch, err = b.flush(b.drain(batch)); err != nil {
				b.log.Error("final flush failed", zap.Int("records", len(batch)), zap.Error(err))
			}
			return
		case e := <-b.queue:
			batch = append(batch, e)
			if len(batch) >= b.opt.BatchSize {
				batch, _ = b.flush(batch)
			}
		case <-tick:
			batch, _ = b.flush(b.drain(batch))
		case resp := <-b.reqs:
			batch, err = b.flush(b.drain(batch))
			resp <- err
		}
	}
}

// drain moves everything currently queued into batch.
func (b *Behind[K, V]) drain(batch []entry[K, V]) []entry[K, V] {
	for {
		select {
		case e := <-b.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// flush writes batch in BatchSize chunks and returns the entries left after
// the first failed chunk.
func (b *Behind[K, V]) flush(batch []entry[K, V]) ([]entry[K, V], error) {
	if len(batch) == 0 {
		return batch, nil
	}
	store := b.store.get()

	for len(batch) > 0 {
		n := min(len(batch), b.opt.BatchSize)
		chunk := batch[:n]

		recs := b.coalesce(chunk)
		if err := writeWithRetry(context.Background(), store, recs, b.opt.MaxRetries, b.log); err != nil {
			b.log.Warn("flush failed, records kept in log", zap.Int("records", len(batch)), zap.Error(err))
			return batch, err
		}

		seqs := make([]uint64, len(chunk))
		for i, e := range chunk {
			seqs[i] = e.seq
		}
		b.release(seqs...)
		b.flushed.Add(int64(len(recs)))
		batch = batch[n:]
	}

	b.checkpoint(0)
	return nil, nil
}

// coalesce keeps the newest value per key and skips entries superseded by a
// synchronous direct write.
func (b *Behind[K, V]) coalesce(chunk []entry[K, V]) []backend.Record[K, V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := make(map[K]int, len(chunk))
	recs := make([]backend.Record[K, V], 0, len(chunk))
	for _, e := range chunk {
		if d, ok := b.direct[e.key]; ok && d > e.seq {
			continue
		}
		if i, ok := idx[e.key]; ok {
			recs[i].Value = e.val
			continue
		}
		idx[e.key] = len(recs)
		recs = append(recs, backend.Record[K, V]{Key: e.key, Value: e.val})
	}
	return recs
}

// checkpoint compacts the log up to the lowest outstanding record, or up to
// limit when limit > 0 is lower.
func (b *Behind[K, V]) checkpoint(limit uint64) {
	b.mu.Lock()
	upTo := b.wal.LastSeq()
	if limit > 0 && limit < upTo {
		upTo = limit
	}
	for s := range b.outstanding {
		if s <= upTo {
			upTo = s - 1
		}
	}
	for k, s := range b.direct {
		if s <= upTo {
			delete(b.direct, k)
		}
	}
	skip := upTo <= b.checkpointed
	b.mu.Unlock()
	if skip {
		return
	}

	if err := b.wal.Checkpoint(upTo); err != nil {
		b.log.Warn("wal checkpoint failed", zap.Uint64("up_to", upTo), zap.Error(err))
		return
	}
	b.mu.Lock()
	if upTo > b.checkpointed {
		b.checkpointed = upTo
	}
	b.mu.Unlock()
}
