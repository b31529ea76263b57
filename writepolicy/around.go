package writepolicy

import (
	"context"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/storage"
)

// Around writes only the backing store. A resident copy of the key is
// invalidated so later reads load the new value.
type Around[K comparable, V any] struct{}

var (
	_ Policy[string, int] = Around[string, int]{}
	_ Bypasser            = Around[string, int]{}
)

// BypassesCache reports true: Around never adds an entry.
func (Around[K, V]) BypassesCache() bool { return true }

func (Around[K, V]) Write(ctx context.Context, k K, v V, s storage.Storage[K, V], store backend.Store[K, V]) error {
	if err := store.Write(ctx, k, v); err != nil {
		return err
	}
	s.Remove(k)
	return nil
}
