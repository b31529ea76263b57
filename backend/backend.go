// Package backend defines the backing-store port consumed by write policies
// and loaders, plus in-process implementations for tests and demos.
package backend

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Read when the store has no value for a key.
var ErrNotFound = errors.New("backend: key not found")

// Store is the system of record behind the cache.
type Store[K comparable, V any] interface {
	Read(ctx context.Context, k K) (V, error)
	Write(ctx context.Context, k K, v V) error
}

// Record is one pending key/value write.
type Record[K comparable, V any] struct {
	Key   K
	Value V
}

// BatchWriter is implemented by stores that can persist many records in one
// round trip.
type BatchWriter[K comparable, V any] interface {
	WriteBatch(ctx context.Context, recs []Record[K, V]) error
}

// WriteAll persists recs, in one call when s is a BatchWriter.
// Element-wise writes stop at the first error.
func WriteAll[K comparable, V any](ctx context.Context, s Store[K, V], recs []Record[K, V]) error {
	if len(recs) == 0 {
		return nil
	}
	if bw, ok := s.(BatchWriter[K, V]); ok {
		return bw.WriteBatch(ctx, recs)
	}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Write(ctx, r.Key, r.Value); err != nil {
			return errors.Wrapf(err, "write %v", r.Key)
		}
	}
	return nil
}

// Nop discards writes and never finds anything.
type Nop[K comparable, V any] struct{}

func (Nop[K, V]) Read(context.Context, K) (V, error) {
	var zero V
	return zero, ErrNotFound
}

func (Nop[K, V]) Write(context.Context, K, V) error { return nil }
