// Package stampede gives cache misses load-once semantics.
//
// Misses take one of a fixed pool of striped locks, chosen by key hash, with
// a bounded wait. The lock holder re-checks the cache and runs the loader;
// everyone queued behind it finds the value on their own re-check.
package stampede

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/IvanBrykalov/lanecache/internal/util"
)

// ErrTimeout is returned when the stripe lock could not be taken in time and
// the cache still had no value afterwards.
var ErrTimeout = errors.New("stampede: timed out waiting for loader")

// Target is the cache the guard fills.
type Target[K comparable, V any] interface {
	// Lookup reports a cached value without side effects on miss.
	Lookup(ctx context.Context, k K) (V, bool, error)
	// Fill stores a loaded value.
	Fill(ctx context.Context, k K, v V) error
}

// Loader produces the value of a missing key.
type Loader[K comparable, V any] func(ctx context.Context, k K) (V, error)

// Options configures New. Zero values are safe.
type Options[K comparable] struct {
	// Stripes is the lock pool size; <= 0 means 64. Rounded up to a power of two.
	Stripes int
	// Timeout bounds the wait for a stripe lock; <= 0 means 2s.
	Timeout time.Duration
	Hash    func(K) uint64
	// OnLoad observes every loader run.
	OnLoad func(d time.Duration, err error)
}

// Guard wraps a Target with stampede protection. It is safe for concurrent use.
type Guard[K comparable, V any] struct {
	target  Target[K, V]
	stripes []*semaphore.Weighted
	hash    func(K) uint64
	timeout time.Duration
	onLoad  func(time.Duration, error)
}

// New returns a Guard over target.
func New[K comparable, V any](target Target[K, V], opt Options[K]) *Guard[K, V] {
	n := opt.Stripes
	if n <= 0 {
		n = 64
	}
	n = int(util.NextPow2(uint64(n)))
	if opt.Timeout <= 0 {
		opt.Timeout = 2 * time.Second
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	g := &Guard[K, V]{
		target:  target,
		stripes: make([]*semaphore.Weighted, n),
		hash:    opt.Hash,
		timeout: opt.Timeout,
		onLoad:  opt.OnLoad,
	}
	for i := range g.stripes {
		g.stripes[i] = semaphore.NewWeighted(1)
	}
	return g
}

// GetOrLoad returns the cached value of k, running load at most once among
// concurrent misses that share k's stripe.
func (g *Guard[K, V]) GetOrLoad(ctx context.Context, k K, load Loader[K, V]) (V, error) {
	var zero V
	if v, ok, err := g.target.Lookup(ctx, k); err != nil || ok {
		return v, err
	}

	sem := g.stripes[util.ShardIndex(g.hash(k), len(g.stripes))]
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	err := sem.Acquire(actx, 1)
	cancel()
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return zero, errors.Wrapf(cerr, "stampede: load %v", k)
		}
		// The holder may have populated the cache right after our deadline.
		if v, ok, lerr := g.target.Lookup(ctx, k); lerr == nil && ok {
			return v, nil
		}
		return zero, errors.Wrapf(ErrTimeout, "key %v after %s", k, g.timeout)
	}
	defer sem.Release(1)

	if v, ok, err := g.target.Lookup(ctx, k); err != nil || ok {
		return v, err
	}

	start := time.Now()
	v, err := load(ctx, k)
	if g.onLoad != nil {
		g.onLoad(time.Since(start), err)
	}
	if err != nil {
		return zero, err
	}
	if err := g.target.Fill(ctx, k, v); err != nil {
		return zero, errors.Wrapf(err, "stampede: fill %v", k)
	}
	return v, nil
}
