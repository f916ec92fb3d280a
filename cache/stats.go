package cache

// Stats is a point-in-time view of cache counters. Hit, miss and eviction
// counts are monotonic until ResetStatistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Expired       int64
	Size          int
	PendingWrites int
}

// HitRate returns hits / (hits + misses), or zero when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Expired:       c.expired.Load(),
		Size:          c.entries.Size(),
		PendingWrites: c.buf.len(),
	}
}

// ResetStatistics zeroes the monotonic counters. Size and pending-write depth
// are live gauges and unaffected.
func (c *Cache[V]) ResetStatistics() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.expired.Store(0)
}

// Counters exposes the stats as a flat map for the monitoring snapshot.
func (c *Cache[V]) Counters() map[string]int64 {
	s := c.Stats()
	return map[string]int64{
		"hits":           s.Hits,
		"misses":         s.Misses,
		"evictions":      s.Evictions,
		"expired":        s.Expired,
		"size":           int64(s.Size),
		"pending_writes": int64(s.PendingWrites),
	}
}
