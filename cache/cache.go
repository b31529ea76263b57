package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/lane"
	"github.com/IvanBrykalov/lanecache/policy"
	"github.com/IvanBrykalov/lanecache/stampede"
	"github.com/IvanBrykalov/lanecache/storage"
	"github.com/IvanBrykalov/lanecache/writepolicy"
)

// cache composes lanes, storage, tracker and write policy.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	opt     Options[K, V]
	exec    *lane.Executor[K]
	store   *storage.TTL[K, V]
	tracker policy.Tracker[K]
	wp      writepolicy.Policy[K, V]
	backend backend.Store[K, V]
	guard   *stampede.Guard[K, V]
	metrics Metrics
	log     *zap.Logger
	bypass  bool // wp never stores written values

	stats counters

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ stampede.Target[string, int] = (*cache[string, int])(nil)

// New constructs a cache with the provided Options.
// When the write policy persists pending writes (writepolicy.Recoverer), they
// are replayed into the backend before New returns.
func New[K comparable, V any](opt Options[K, V]) (Cache[K, V], error) {
	if err := opt.withDefaults(); err != nil {
		return nil, err
	}

	c := &cache[K, V]{
		opt:     opt,
		tracker: opt.Tracker,
		wp:      opt.WritePolicy,
		backend: opt.Backend,
		metrics: opt.Metrics,
		log:     opt.Logger.Named("cache"),
	}

	if b, ok := c.wp.(writepolicy.Bypasser); ok {
		c.bypass = b.BypassesCache()
	}
	if r, ok := c.wp.(writepolicy.Recoverer[K, V]); ok {
		ctx, cancel := context.WithTimeout(context.Background(), opt.ShutdownGrace)
		n, err := r.Recover(ctx, c.backend)
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "cache: recover pending writes")
		}
		if n > 0 {
			c.log.Info("replayed pending writes", zap.Int("keys", n))
		}
	}

	c.exec = lane.New[K](lane.Options[K]{
		Lanes:     opt.Lanes,
		QueueSize: opt.LaneQueue,
		Hash:      opt.Hash,
		Logger:    opt.Logger,
	})

	inner := opt.Storage
	if inner == nil {
		inner = storage.NewMap[K, V](opt.Capacity, storage.MapOptions[K]{Hash: opt.Hash})
	}
	c.store = storage.NewTTL[K, V](inner, storage.TTLOptions[K, V]{
		DefaultTTL:    opt.DefaultTTL,
		SweepInterval: opt.SweepInterval,
		OnExpire:      c.onExpire,
		Reclaim:       c.reclaim,
		Hash:          opt.Hash,
		Clock:         opt.Clock,
		Logger:        opt.Logger,
	})

	c.guard = stampede.New[K, V](c, stampede.Options[K]{
		Stripes: opt.StripeCount,
		Timeout: opt.LoadTimeout,
		Hash:    opt.Hash,
		OnLoad:  c.observeLoad,
	})

	c.log.Debug("cache started",
		zap.Int("capacity", opt.Capacity),
		zap.Int("lanes", c.exec.Lanes()))
	return c, nil
}

// run executes fn on k's lane and waits for it.
func run[K comparable, V any, T any](ctx context.Context, c *cache[K, V], k K, fn func() (T, error)) (T, error) {
	if c.closed.Load() {
		var zero T
		return zero, ErrClosed
	}
	v, err := lane.Do(ctx, c.exec, k, fn)
	if errors.Is(err, lane.ErrClosed) {
		err = ErrClosed
	}
	return v, err
}

// submit queues fn on k's lane. The latency of op, queueing included, is
// recorded when fn returns; tasks failed before running record nothing.
func submit[K comparable, V any, T any](c *cache[K, V], op Op, k K, fn func() (T, error)) *lane.Future[T] {
	start := time.Now()
	if c.closed.Load() {
		c.metrics.Latency(op, time.Since(start))
		return lane.Failed[T](ErrClosed)
	}
	return lane.Submit(context.Background(), c.exec, k, func() (T, error) {
		defer func() { c.metrics.Latency(op, time.Since(start)) }()
		return fn()
	})
}

// ---- Cache[K,V] implementation ----

func (c *cache[K, V]) Get(ctx context.Context, k K) (V, error) {
	start := time.Now()
	v, err := run(ctx, c, k, func() (V, error) { return c.get(k) })
	c.metrics.Latency(OpGet, time.Since(start))
	return v, err
}

func (c *cache[K, V]) GetAsync(k K) *lane.Future[V] {
	return submit(c, OpGet, k, func() (V, error) { return c.get(k) })
}

func (c *cache[K, V]) Put(ctx context.Context, k K, v V) error {
	start := time.Now()
	_, err := run(ctx, c, k, func() (struct{}, error) {
		return struct{}{}, c.put(ctx, k, v, writeOpts{propagate: true})
	})
	c.metrics.Latency(OpPut, time.Since(start))
	return err
}

func (c *cache[K, V]) PutAsync(k K, v V) *lane.Future[struct{}] {
	return submit(c, OpPut, k, func() (struct{}, error) {
		return struct{}{}, c.put(context.Background(), k, v, writeOpts{propagate: true})
	})
}

func (c *cache[K, V]) PutWithTTL(ctx context.Context, k K, v V, ttl time.Duration) error {
	start := time.Now()
	_, err := run(ctx, c, k, func() (struct{}, error) {
		return struct{}{}, c.put(ctx, k, v, writeOpts{propagate: true, ttl: ttl, hasTTL: true})
	})
	c.metrics.Latency(OpPut, time.Since(start))
	return err
}

func (c *cache[K, V]) Add(ctx context.Context, k K, v V) (bool, error) {
	return run(ctx, c, k, func() (bool, error) {
		if c.store.Contains(k) {
			return false, nil
		}
		if err := c.put(ctx, k, v, writeOpts{propagate: true}); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (c *cache[K, V]) Remove(ctx context.Context, k K) (bool, error) {
	start := time.Now()
	ok, err := run(ctx, c, k, func() (bool, error) {
		ok := c.store.Remove(k)
		c.tracker.Remove(k)
		if ok {
			c.metrics.Size(c.store.Size())
		}
		return ok, nil
	})
	c.metrics.Latency(OpRemove, time.Since(start))
	return ok, err
}

func (c *cache[K, V]) Contains(ctx context.Context, k K) (bool, error) {
	return run(ctx, c, k, func() (bool, error) { return c.store.Contains(k), nil })
}

func (c *cache[K, V]) Fill(ctx context.Context, k K, v V) error {
	_, err := run(ctx, c, k, func() (struct{}, error) {
		return struct{}{}, c.put(ctx, k, v, writeOpts{})
	})
	return err
}

func (c *cache[K, V]) Lookup(ctx context.Context, k K) (V, bool, error) {
	type result struct {
		v  V
		ok bool
	}
	r, err := run(ctx, c, k, func() (result, error) {
		v, err := c.store.Get(k)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return result{}, nil
			}
			return result{}, err
		}
		c.tracker.Touch(k)
		return result{v: v, ok: true}, nil
	})
	return r.v, r.ok, err
}

// GetOrLoad counts one hit or miss per call; the guard's own re-checks use
// Lookup and are not counted.
func (c *cache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	v, err := c.Get(ctx, k)
	if !errors.Is(err, ErrKeyNotFound) {
		return v, err
	}
	return c.guard.GetOrLoad(ctx, k, c.load)
}

func (c *cache[K, V]) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if f, ok := c.wp.(writepolicy.Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

func (c *cache[K, V]) Len() int { return c.store.Size() }

func (c *cache[K, V]) Capacity() int { return c.store.Capacity() }

func (c *cache[K, V]) Stats() Stats {
	s := c.stats.snapshot()
	s.Entries = c.store.Size()
	s.Capacity = c.store.Capacity()
	return s
}

// Close drains lanes first so queued writes still reach the write policy,
// then closes the policy and the TTL sweeper.
func (c *cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs error
		if forced := c.exec.Shutdown(c.opt.ShutdownGrace); len(forced) > 0 {
			errs = &ShutdownError{Lanes: forced}
		}
		if cl, ok := c.wp.(writepolicy.Closer); ok {
			ctx, cancel := context.WithTimeout(context.Background(), c.opt.ShutdownGrace)
			if err := cl.Close(ctx); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrap(err, "cache: close write policy"))
			}
			cancel()
		}
		errs = errors.CombineErrors(errs, c.store.Close())

		if errs != nil {
			c.log.Warn("closed with errors", zap.Error(errs))
		} else {
			c.log.Debug("closed")
		}
		c.closeErr = errs
	})
	return c.closeErr
}

// ---- lane-side operations ----

func (c *cache[K, V]) get(k K) (V, error) {
	v, err := c.store.Get(k)
	if err != nil {
		var zero V
		if errors.Is(err, storage.ErrNotFound) {
			c.stats.misses.Add(1)
			c.metrics.Miss()
			return zero, ErrKeyNotFound
		}
		return zero, errors.Wrapf(err, "cache: get %v", k)
	}
	c.tracker.Touch(k)
	c.stats.hits.Add(1)
	c.metrics.Hit()
	return v, nil
}

type writeOpts struct {
	propagate bool // through the write policy; false writes storage only
	hasTTL    bool
	ttl       time.Duration
}

// put runs on k's lane.
func (c *cache[K, V]) put(ctx context.Context, k K, v V, wo writeOpts) error {
	self := c.exec.LaneOf(k)
	resident := c.store.Contains(k)
	if !resident {
		// Drop a node left behind by an entry that vanished without us.
		c.tracker.Remove(k)
	}

	for attempt := 1; ; attempt++ {
		if !resident && !(wo.propagate && c.bypass) {
			c.makeRoom(self)
		}
		err := c.write(ctx, k, v, wo)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrCapacityExceeded) || attempt >= maxPutAttempts {
			if !c.store.Contains(k) {
				c.tracker.Remove(k)
			}
			return errors.Wrapf(err, "cache: put %v", k)
		}
		// Another lane took the slot we freed. Evict again.
	}

	if wo.hasTTL {
		c.store.Expire(k, wo.ttl)
	}
	if c.store.Contains(k) {
		c.tracker.Touch(k)
	} else {
		c.tracker.Remove(k)
		if resident {
			c.metrics.Evict(EvictPolicy)
		}
	}
	c.metrics.Size(c.store.Size())
	return nil
}

func (c *cache[K, V]) write(ctx context.Context, k K, v V, wo writeOpts) error {
	if !wo.propagate {
		return c.store.Put(k, v)
	}
	return c.wp.Write(ctx, k, v, c.store, c.backend)
}

// load is the stampede guard's loader.
func (c *cache[K, V]) load(ctx context.Context, k K) (V, error) {
	if c.opt.Loader != nil {
		return c.opt.Loader(ctx, k)
	}
	v, err := c.backend.Read(ctx, k)
	if errors.Is(err, backend.ErrNotFound) {
		return v, ErrKeyNotFound
	}
	return v, err
}

func (c *cache[K, V]) observeLoad(d time.Duration, err error) {
	c.stats.loads.Add(1)
	if err != nil {
		c.stats.loadErrors.Add(1)
	}
	c.metrics.Load(d, err)
	c.metrics.Latency(OpLoad, d)
}

// onExpire runs wherever the TTL layer noticed the expiry, which is always
// the key's lane: a lazy check inside a lane task or a reclaim task.
func (c *cache[K, V]) onExpire(k K, v V) {
	c.tracker.Remove(k)
	c.stats.expirations.Add(1)
	c.metrics.Evict(EvictTTL)
	c.metrics.Size(c.store.Size())
	if c.opt.OnEvict != nil {
		c.opt.OnEvict(k, v, EvictTTL)
	}
}

// reclaim receives keys found expired by the sweeper and removes them on
// their own lane.
func (c *cache[K, V]) reclaim(k K) {
	if c.closed.Load() {
		return
	}
	lane.Submit(context.Background(), c.exec, k, func() (bool, error) {
		return c.store.RemoveIfExpired(k), nil
	})
}
