package cache

import (
	"go.uber.org/zap"

	"github.com/IvanBrykalov/lanecache/lane"
)

const (
	// maxEvictAttempts bounds victims tried per makeRoom call; a victim that
	// was touched again after selection is kept and costs an attempt.
	maxEvictAttempts = 16
	// maxPutAttempts bounds rounds of evict-and-write when other lanes keep
	// taking the freed slot.
	maxPutAttempts = 32
)

// makeRoom evicts until storage has a free slot. It runs on lane self.
func (c *cache[K, V]) makeRoom(self int) {
	for i := 0; i < maxEvictAttempts && c.store.Size() >= c.store.Capacity(); i++ {
		victim, ok := c.tracker.EvictOne()
		if !ok {
			return
		}
		if !c.evict(self, victim) {
			return
		}
	}
}

// evict removes victim on its own lane and waits for it. Victims on other
// lanes go through the control queue; see lane.Call. It reports false when
// the victim's lane could not run the removal; a victim still in storage is
// then tracked again.
func (c *cache[K, V]) evict(self int, victim K) bool {
	target := c.exec.LaneOf(victim)
	_, err := lane.Call(c.exec, self, target, func() (bool, error) {
		return c.removeVictim(victim), nil
	})
	if err == nil {
		return true
	}
	if c.store.Contains(victim) {
		c.tracker.Touch(victim)
	}
	c.log.Debug("victim removal failed", zap.Int("lane", target), zap.Error(err))
	return false
}

// removeVictim runs on victim's lane. A victim read or written again since
// the tracker handed it out is tracked again and stays.
func (c *cache[K, V]) removeVictim(victim K) bool {
	if c.tracker.Contains(victim) {
		return false
	}
	v, err := c.store.Get(victim)
	if err != nil {
		return false // already gone (removed or expired)
	}
	if !c.store.Remove(victim) {
		return false
	}
	c.stats.evictions.Add(1)
	c.metrics.Evict(EvictCapacity)
	if c.opt.OnEvict != nil {
		c.opt.OnEvict(victim, v, EvictCapacity)
	}
	return true
}
