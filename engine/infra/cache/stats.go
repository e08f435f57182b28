package cache

import (
	"sync"
	"time"
)

// counters aggregates cache activity since process start. Every field is
// guarded by mu; reads go through snapshot, which copies under RLock.
type counters struct {
	mu            sync.RWMutex
	hitsL1        int64
	hitsL2        int64
	misses        int64
	puts          int64
	evictions     int64
	expired       int64
	compressions  int64
	invalidations int64
	cleanups      int64
	lastCleanup   time.Time
}

// StatsView is a point-in-time snapshot of cache counters plus tier
// occupancy. It is safe to retain and marshal after the cache moves on.
type StatsView struct {
	HitsL1        int64     `json:"hits_l1"`
	HitsL2        int64     `json:"hits_l2"`
	Misses        int64     `json:"misses"`
	HitRate       float64   `json:"hit_rate"`
	Puts          int64     `json:"puts"`
	Evictions     int64     `json:"evictions"`
	Expired       int64     `json:"expired"`
	Compressions  int64     `json:"compressions"`
	Invalidations int64     `json:"invalidations"`
	Cleanups      int64     `json:"cleanups"`
	LastCleanup   time.Time `json:"last_cleanup"`
	L1Entries     int       `json:"l1_entries"`
	L1Bytes       int64     `json:"l1_bytes"`
	L2Entries     int64     `json:"l2_entries"`
	L2Bytes       int64     `json:"l2_bytes"`
}

func (c *counters) recordHit(level HitLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch level {
	case HitL1:
		c.hitsL1++
	case HitL2:
		c.hitsL2++
	}
}

func (c *counters) recordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
}

func (c *counters) recordPut(compressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if compressed {
		c.compressions++
	}
}

func (c *counters) recordEvictions(n int64) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions += n
}

func (c *counters) recordExpired(n int64) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired += n
}

func (c *counters) recordInvalidation(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations += n
}

func (c *counters) recordCleanup(removed int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
	c.expired += removed
	c.lastCleanup = at.UTC()
}

// snapshot copies the counters into a view. Occupancy gauges are filled in by
// the cache, which owns the tier handles.
func (c *counters) snapshot() StatsView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view := StatsView{
		HitsL1:        c.hitsL1,
		HitsL2:        c.hitsL2,
		Misses:        c.misses,
		Puts:          c.puts,
		Evictions:     c.evictions,
		Expired:       c.expired,
		Compressions:  c.compressions,
		Invalidations: c.invalidations,
		Cleanups:      c.cleanups,
		LastCleanup:   c.lastCleanup,
	}
	if lookups := c.hitsL1 + c.hitsL2 + c.misses; lookups > 0 {
		view.HitRate = float64(c.hitsL1+c.hitsL2) / float64(lookups)
	}
	return view
}
