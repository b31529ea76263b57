package writepolicy

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/storage"
)

// BackOptions configures NewBack. Zero values are safe.
type BackOptions struct {
	// BatchSize is the pending count that triggers an asynchronous flush.
	BatchSize int
	// FlushInterval flushes whatever is pending periodically; < 0 disables.
	FlushInterval time.Duration
	// MaxRetries bounds attempts per batch before it is re-queued.
	MaxRetries uint
	Logger     *zap.Logger
}

// Back is write-back with in-memory batching. The cache is written
// immediately; the store catches up when a batch fills, when the flush interval
// elapses, or on Flush. Repeated writes of a pending key coalesce into the
// latest value.
type Back[K comparable, V any] struct {
	opt   BackOptions
	log   *zap.Logger
	store binding[K, V]

	mu      sync.Mutex
	pending map[K]V
	order   []K // insertion order of pending keys
	closed  bool

	kick chan struct{}
	reqs chan chan error
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var (
	_ Policy[string, int] = (*Back[string, int])(nil)
	_ Flusher             = (*Back[string, int])(nil)
	_ Closer              = (*Back[string, int])(nil)
)

// NewBack starts the background flusher. Call Close to stop it.
func NewBack[K comparable, V any](opt BackOptions) *Back[K, V] {
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultBatchSize
	}
	if opt.FlushInterval == 0 {
		opt.FlushInterval = defaultFlushInterval
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = defaultMaxRetries
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	b := &Back[K, V]{
		opt:     opt,
		log:     opt.Logger.Named("write-back"),
		pending: make(map[K]V),
		kick:    make(chan struct{}, 1),
		reqs:    make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Back[K, V]) Write(ctx context.Context, k K, v V, s storage.Storage[K, V], store backend.Store[K, V]) error {
	if err := s.Put(k, v); err != nil {
		return err
	}
	b.store.bind(store)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return store.Write(ctx, k, v)
	}
	if _, ok := b.pending[k]; !ok {
		b.order = append(b.order, k)
	}
	b.pending[k] = v
	full := len(b.order) >= b.opt.BatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of keys not yet flushed.
func (b *Back[K, V]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Flush writes every pending record and waits for the result.
func (b *Back[K, V]) Flush(ctx context.Context) error {
	return requestFlush(ctx, b.reqs, b.done)
}

// Close flushes pending records and stops the flusher. Records that could
// not be written are reported in the error.
func (b *Back[K, V]) Close(ctx context.Context) error {
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
	if n := b.Pending(); n > 0 {
		return errors.Newf("writepolicy: write-back closed with %d unflushed keys", n)
	}
	return nil
}

func (b *Back[K, V]) loop() {
	defer close(b.done)

	var tick <-chan time.Time
	if b.opt.FlushInterval > 0 {
		t := time.NewTicker(b.opt.FlushInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-b.stop:
			if err := b.flush(0); err != nil {
				b.log.Error("final flush failed", zap.Int("pending", b.Pending()), zap.Error(err))
			}
			return
		case <-b.kick:
			_ = b.flush(b.opt.BatchSize)
		case <-tick:
			_ = b.flush(0)
		case resp := <-b.reqs:
			resp <- b.flush(0)
		}
	}
}

// flush writes batches while at least threshold keys are pending; threshold <= 0 drains
// everything. It stops at the first failed batch.
func (b *Back[K, V]) flush(threshold int) error {
	for {
		recs := b.take(threshold)
		if len(recs) == 0 {
			return nil
		}
		store := b.store.get()
		if err := writeWithRetry(context.Background(), store, recs, b.opt.MaxRetries, b.log); err != nil {
			b.requeue(recs)
			b.log.Warn("flush failed, batch re-queued", zap.Int("records", len(recs)), zap.Error(err))
			return err
		}
		b.log.Debug("flushed", zap.Int("records", len(recs)))
	}
}

// take removes up to BatchSize pending records, or none when fewer than threshold
// are pending.
func (b *Back[K, V]) take(threshold int) []backend.Record[K, V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 || (threshold > 0 && len(b.order) < threshold) {
		return nil
	}
	n := len(b.order)
	if n > b.opt.BatchSize {
		n = b.opt.BatchSize
	}
	recs := make([]backend.Record[K, V], 0, n)
	for _, k := range b.order[:n] {
		recs = append(recs, backend.Record[K, V]{Key: k, Value: b.pending[k]})
		delete(b.pending, k)
	}
	b.order = b.order[n:]
	return recs
}

// requeue puts back records of a failed batch unless a newer write of the
// same key is already pending.
func (b *Back[K, V]) requeue(recs []backend.Record[K, V]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	front := make([]K, 0, len(recs))
	for _, r := range recs {
		if _, ok := b.pending[r.Key]; ok {
			continue
		}
		b.pending[r.Key] = r.Value
		front = append(front, r.Key)
	}
	b.order = append(front, b.order...)
}

// requestFlush asks a flusher loop to drain and waits for its answer.
func requestFlush(ctx context.Context, reqs chan<- chan error, done <-chan struct{}) error {
	resp := make(chan error, 1)
	select {
	case reqs <- resp:
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
