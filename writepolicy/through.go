package writepolicy

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/storage"
)

// Through writes the cache and the backing store concurrently and succeeds
// only when both did. When the store rejects the write, the cached copy is
// dropped so the cache never serves a value the store does not hold.
type Through[K comparable, V any] struct{}

var _ Policy[string, int] = Through[string, int]{}

func (Through[K, V]) Write(ctx context.Context, k K, v V, s storage.Storage[K, V], store backend.Store[K, V]) error {
	var cached bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.Put(k, v); err != nil {
			return err
		}
		cached = true
		return nil
	})
	g.Go(func() error { return store.Write(gctx, k, v) })

	err := g.Wait()
	if err != nil && cached {
		s.Remove(k)
	}
	return err
}
