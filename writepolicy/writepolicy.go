// Package writepolicy decides how and when cache writes reach the backing
// store.
//
// A Policy is invoked from the written key's lane, so it never sees two
// writes of the same key concurrently. Policies with background work also
// implement Flusher and Closer; the durable write-behind policy implements
// Recoverer to replay its log at startup.
package writepolicy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/storage"
)

var (
	// ErrDurability marks a write whose log append failed. The cache was not
	// modified and the write must be treated as lost.
	ErrDurability = errors.New("writepolicy: durability failure")

	// ErrBackpressure marks a write that found the flush queue full and whose
	// synchronous fallback to the backing store failed as well.
	ErrBackpressure = errors.New("writepolicy: backpressure")

	// ErrClosed is returned by Flush after Close.
	ErrClosed = errors.New("writepolicy: closed")
)

// classError tags cause with one of the sentinels above. errors.Is from the
// standard library and from cockroachdb/errors both match the sentinel and
// everything in the cause chain.
type classError struct {
	class error
	msg   string
	cause error
}

func classify(class, cause error, format string, args ...any) error {
	return &classError{class: class, msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *classError) Error() string {
	return e.msg + ": " + e.class.Error() + ": " + e.cause.Error()
}

func (e *classError) Unwrap() error { return e.cause }

func (e *classError) Is(target error) bool { return target == e.class }

// Policy propagates one cache write.
type Policy[K comparable, V any] interface {
	Write(ctx context.Context, k K, v V, s storage.Storage[K, V], store backend.Store[K, V]) error
}

// Flusher is implemented by policies that buffer writes.
type Flusher interface {
	// Flush pushes every buffered write to the backing store.
	Flush(ctx context.Context) error
}

// Closer is implemented by policies that own background goroutines.
type Closer interface {
	// Close flushes what it can and stops background work.
	Close(ctx context.Context) error
}

// Bypasser is implemented by policies that never store the written value in
// the cache. The cache skips eviction ahead of their writes.
type Bypasser interface {
	BypassesCache() bool
}

// Recoverer is implemented by policies that persist pending writes.
type Recoverer[K comparable, V any] interface {
	// Recover writes every persisted but unflushed record to store and
	// returns how many keys it wrote.
	Recover(ctx context.Context, store backend.Store[K, V]) (int, error)
}

const (
	defaultBatchSize     = 64
	defaultFlushInterval = time.Second
	defaultMaxRetries    = 5
)

// binding remembers the store a buffering policy flushes to. A policy
// instance serves one backing store: the first one it is handed wins.
type binding[K comparable, V any] struct {
	p atomic.Pointer[backend.Store[K, V]]
}

func (b *binding[K, V]) bind(s backend.Store[K, V]) {
	if b.p.Load() == nil {
		b.p.CompareAndSwap(nil, &s)
	}
}

func (b *binding[K, V]) get() backend.Store[K, V] {
	if p := b.p.Load(); p != nil {
		return *p
	}
	return nil
}

// writeWithRetry persists recs, retrying transient failures with exponential
// backoff. Cancellation of ctx stops the retries.
func writeWithRetry[K comparable, V any](ctx context.Context, store backend.Store[K, V], recs []backend.Record[K, V], tries uint, log *zap.Logger) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := backend.WriteAll(ctx, store, recs)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug("retrying flush", zap.Int("records", len(recs)), zap.Duration("next", next), zap.Error(err))
		}),
	)
	return err
}
