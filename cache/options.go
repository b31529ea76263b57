package cache

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/backend"
	"github.com/IvanBrykalov/lanecache/internal/util"
	"github.com/IvanBrykalov/lanecache/policy"
	"github.com/IvanBrykalov/lanecache/policy/lru"
	"github.com/IvanBrykalov/lanecache/storage"
	"github.com/IvanBrykalov/lanecache/writepolicy"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictCapacity: chosen by the tracker to make room for a new key.
	EvictCapacity EvictReason = iota
	// EvictTTL: expired, lazily on access or by the background sweep.
	EvictTTL
	// EvictPolicy: dropped by the write policy (write-around invalidation or
	// a write the backing store rejected).
	EvictPolicy
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictTTL:
		return "ttl"
	case EvictPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Op names an operation in latency observations.
type Op string

const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpRemove Op = "remove"
	OpLoad   Op = "load"
)

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
	Latency(op Op, d time.Duration)
	Load(d time.Duration, err error)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock = storage.Clock

// Options configures the cache behavior. Zero values are safe except
// Capacity, which must be set unless Storage is;
// sane defaults are applied in New():
//   - Lanes <= 0      => GOMAXPROCS
//   - nil Tracker     => global LRU
//   - nil WritePolicy => write-through
//   - nil Backend     => backend.Nop (cache only)
//   - nil Metrics     => NoopMetrics
type Options[K comparable, V any] struct {
	// Capacity is the entry count limit.
	Capacity int

	// Lanes is the number of executor lanes. A key's lane is fixed for the
	// lifetime of the cache.
	Lanes int
	// LaneQueue bounds each lane's task queue (default 256).
	LaneQueue int

	// Tracker is the eviction strategy: policy/lru, policy/sharded or policy/twoq.
	Tracker policy.Tracker[K]

	// WritePolicy propagates writes to Backend.
	WritePolicy writepolicy.Policy[K, V]
	// Backend is the system of record.
	Backend backend.Store[K, V]

	// Storage overrides the default striped map. Capacity defaults to
	// Storage.Capacity() when unset.
	Storage storage.Storage[K, V]

	// DefaultTTL applies to Put/Add/Fill (0 = no TTL).
	DefaultTTL time.Duration
	// SweepInterval is the period of the background expiry sweep
	// (0 => 1m, < 0 disables; lazy expiration always applies).
	SweepInterval time.Duration

	// Loader fetches a value on a miss in GetOrLoad; nil reads Backend.
	Loader func(ctx context.Context, k K) (V, error)
	// StripeCount is the number of stampede-guard locks (default 64).
	StripeCount int
	// LoadTimeout bounds the wait for another caller's load (default 2s).
	LoadTimeout time.Duration

	// ShutdownGrace bounds lane draining and the final flush in Close
	// (default 5s).
	ShutdownGrace time.Duration

	// OnEvict is called on the evicted key's lane for every eviction and
	// expiration; keep callbacks lightweight.
	OnEvict func(k K, v V, reason EvictReason)
	Metrics Metrics
	Logger  *zap.Logger

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
	// Hash maps keys to lanes and stripes; nil => xxhash-based util.Hash.
	Hash func(K) uint64
}

const (
	defaultSweepInterval = time.Minute
	defaultShutdownGrace = 5 * time.Second
)

func (o *Options[K, V]) withDefaults() error {
	if o.Capacity <= 0 && o.Storage != nil {
		o.Capacity = o.Storage.Capacity()
	}
	if o.Capacity <= 0 {
		return errors.Wrapf(ErrInvalidOptions, "capacity must be > 0, got %d", o.Capacity)
	}
	if o.Storage != nil && o.Storage.Capacity() != o.Capacity {
		return errors.Wrapf(ErrInvalidOptions, "capacity %d does not match storage capacity %d",
			o.Capacity, o.Storage.Capacity())
	}
	if o.Lanes <= 0 {
		o.Lanes = runtime.GOMAXPROCS(0)
	}
	if o.Tracker == nil {
		o.Tracker = lru.New[K]()
	}
	if o.WritePolicy == nil {
		o.WritePolicy = writepolicy.Through[K, V]{}
	}
	if o.Backend == nil {
		o.Backend = backend.Nop[K, V]{}
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = storage.WallClock
	}
	if o.Hash == nil {
		o.Hash = util.Hash[K]
	}
	return nil
}
