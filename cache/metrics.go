package cache

import (
	"time"

	"github.com/IvanBrykalov/lanecache/internal/util"
)

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                      {}
func (NoopMetrics) Miss()                     {}
func (NoopMetrics) Evict(EvictReason)         {}
func (NoopMetrics) Size(int)                  {}
func (NoopMetrics) Latency(Op, time.Duration) {}
func (NoopMetrics) Load(time.Duration, error) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64 // capacity evictions
	Expirations uint64
	Loads       uint64
	LoadErrors  uint64
	Entries     int
	Capacity    int
}

// HitRatio returns Hits / (Hits + Misses), or 0 before the first read.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// counters are updated from every lane; each sits on its own cache line.
type counters struct {
	hits        util.PaddedAtomicUint64
	misses      util.PaddedAtomicUint64
	evictions   util.PaddedAtomicUint64
	expirations util.PaddedAtomicUint64
	loads       util.PaddedAtomicUint64
	loadErrors  util.PaddedAtomicUint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Loads:       c.loads.Load(),
		LoadErrors:  c.loadErrors.Load(),
	}
}
