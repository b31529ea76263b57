package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/internal/util"
)

// TTLOptions configures NewTTL. Zero values are safe.
type TTLOptions[K comparable, V any] struct {
	// DefaultTTL applies to Put; 0 means entries written by Put never expire.
	DefaultTTL time.Duration

	// SweepInterval is the background sweep period; <= 0 disables the sweeper
	// (lazy expiration on access still applies).
	SweepInterval time.Duration

	// OnExpire is called after an expired entry was removed, outside of any
	// internal lock, from the goroutine that noticed the expiry.
	OnExpire func(k K, v V)

	// Reclaim, when set, receives every key the sweeper finds expired instead
	// of the sweeper removing it. The receiver is expected to call
	// RemoveIfExpired from wherever it serializes work on that key.
	Reclaim func(k K)

	// Stripes is the lock stripe count for TTL records; <= 0 picks a default.
	Stripes int
	Hash    func(K) uint64
	Clock   Clock
	Logger  *zap.Logger
}

// TTL wraps a Storage with per-key expiration. Expired entries are removed
// lazily on Get/Contains, so no reader observes a value past its deadline;
// the sweeper only reclaims memory of keys nobody reads again.
type TTL[K comparable, V any] struct {
	inner   Storage[K, V]
	stripes []*ttlStripe[K]
	hash    func(K) uint64
	opt     TTLOptions[K, V]
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type ttlStripe[K comparable] struct {
	mu        sync.Mutex
	deadlines map[K]int64 // absolute UnixNano
	_         util.CacheLinePad
}

var _ Storage[string, int] = (*TTL[string, int])(nil)

// NewTTL wraps inner and starts the sweeper if enabled. Call Close to stop it.
func NewTTL[K comparable, V any](inner Storage[K, V], opt TTLOptions[K, V]) *TTL[K, V] {
	if opt.Clock == nil {
		opt.Clock = WallClock
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}
	n := opt.Stripes
	if n <= 0 {
		n = util.ReasonableShardCount()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TTL[K, V]{
		inner:   inner,
		stripes: make([]*ttlStripe[K], n),
		hash:    opt.Hash,
		opt:     opt,
		log:     opt.Logger.Named("ttl"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range t.stripes {
		t.stripes[i] = &ttlStripe[K]{deadlines: make(map[K]int64)}
	}

	if opt.SweepInterval > 0 {
		t.wg.Add(1)
		go t.sweepLoop()
	}
	return t
}

func (t *TTL[K, V]) stripeOf(k K) *ttlStripe[K] {
	return t.stripes[util.ShardIndex(t.hash(k), len(t.stripes))]
}

func (t *TTL[K, V]) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return t.opt.Clock.NowUnixNano() + int64(ttl)
}

// Put writes k→v with the default TTL, replacing any previous TTL record.
func (t *TTL[K, V]) Put(k K, v V) error {
	return t.PutWithTTL(k, v, t.opt.DefaultTTL)
}

// PutWithTTL writes k→v expiring after ttl; ttl <= 0 disables expiration.
func (t *TTL[K, V]) PutWithTTL(k K, v V, ttl time.Duration) error {
	s := t.stripeOf(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := t.inner.Put(k, v); err != nil {
		return err
	}
	if d := t.deadline(ttl); d > 0 {
		s.deadlines[k] = d
	} else {
		delete(s.deadlines, k)
	}
	return nil
}

// Expire sets the TTL of a resident key; ttl <= 0 makes it persistent.
// It reports whether k was resident.
func (t *TTL[K, V]) Expire(k K, ttl time.Duration) bool {
	s := t.stripeOf(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.inner.Contains(k) {
		return false
	}
	if d := t.deadline(ttl); d > 0 {
		s.deadlines[k] = d
	} else {
		delete(s.deadlines, k)
	}
	return true
}

// Remaining returns the time left before k expires. ok is false when k has
// no TTL record.
func (t *TTL[K, V]) Remaining(k K) (left time.Duration, ok bool) {
	s := t.stripeOf(k)
	s.mu.Lock()
	d, ok := s.deadlines[k]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	left = time.Duration(d - t.opt.Clock.NowUnixNano())
	if left < 0 {
		left = 0
	}
	return left, true
}

// Get returns the value for k, removing it first if it has expired.
func (t *TTL[K, V]) Get(k K) (V, error) {
	s := t.stripeOf(k)
	s.mu.Lock()
	if v, expired := t.expireLocked(s, k); expired {
		s.mu.Unlock()
		t.notify(k, v)
		var zero V
		return zero, ErrNotFound
	}
	v, err := t.inner.Get(k)
	s.mu.Unlock()
	return v, err
}

// Contains reports whether k is resident and not expired.
func (t *TTL[K, V]) Contains(k K) bool {
	s := t.stripeOf(k)
	s.mu.Lock()
	if v, expired := t.expireLocked(s, k); expired {
		s.mu.Unlock()
		t.notify(k, v)
		return false
	}
	ok := t.inner.Contains(k)
	s.mu.Unlock()
	return ok
}

// Remove deletes k and its TTL record.
func (t *TTL[K, V]) Remove(k K) bool {
	s := t.stripeOf(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, k)
	return t.inner.Remove(k)
}

// RemoveIfExpired removes k when its deadline has passed and reports whether
// it did. OnExpire fires on removal.
func (t *TTL[K, V]) RemoveIfExpired(k K) bool {
	s := t.stripeOf(k)
	s.mu.Lock()
	v, expired := t.expireLocked(s, k)
	s.mu.Unlock()
	if expired {
		t.notify(k, v)
	}
	return expired
}

// Size returns the number of resident entries, expired-but-unswept included.
func (t *TTL[K, V]) Size() int { return t.inner.Size() }

// Capacity returns the entry limit of the wrapped storage.
func (t *TTL[K, V]) Capacity() int { return t.inner.Capacity() }

// Close stops the sweeper. It is idempotent.
func (t *TTL[K, V]) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
	return nil
}

// expireLocked removes k if expired. s.mu must be held.
func (t *TTL[K, V]) expireLocked(s *ttlStripe[K], k K) (V, bool) {
	var zero V
	d, ok := s.deadlines[k]
	if !ok || t.opt.Clock.NowUnixNano() <= d {
		return zero, false
	}
	delete(s.deadlines, k)
	v, err := t.inner.Get(k)
	if err != nil {
		return zero, false
	}
	t.inner.Remove(k)
	return v, true
}

func (t *TTL[K, V]) notify(k K, v V) {
	if cb := t.opt.OnExpire; cb != nil {
		cb(k, v)
	}
}

// Sweep scans all TTL records once and reclaims the expired ones.
// It returns the number of expired keys found.
func (t *TTL[K, V]) Sweep() int {
	now := t.opt.Clock.NowUnixNano()
	var expired []K
	for _, s := range t.stripes {
		s.mu.Lock()
		for k, d := range s.deadlines {
			if now > d {
				expired = append(expired, k)
			}
		}
		s.mu.Unlock()
	}

	for _, k := range expired {
		if t.opt.Reclaim != nil {
			t.opt.Reclaim(k)
			continue
		}
		t.RemoveIfExpired(k)
	}
	return len(expired)
}

func (t *TTL[K, V]) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.opt.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.log.Debug("swept expired keys", zap.Int("expired", n))
			}
		}
	}
}
