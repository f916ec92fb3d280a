// Package monitoring exposes the runtime's observability surface: an internal
// system snapshot served by the health probe, and a prometheus registry
// builder for the pillar metrics.
package monitoring

import (
	"runtime"
	"sync"
	"time"
)

// Snapshot is the internal system view served on /_health and /_status.
type Snapshot struct {
	Timestamp  time.Time                   `json:"timestamp"`
	UptimeSecs int64                       `json:"uptime_seconds"`
	Processors int                         `json:"processors"`
	Goroutines int                         `json:"goroutines"`
	Memory     MemorySnapshot              `json:"memory"`
	Components map[string]map[string]int64 `json:"components,omitempty"`
}

// MemorySnapshot carries the totals of interest from runtime.MemStats.
type MemorySnapshot struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	HeapObjects     uint64 `json:"heap_objects"`
	NumGC           uint32 `json:"num_gc"`
}

// Collector aggregates counter sources registered by the pillars (executor,
// cache, gate, scheduler) into snapshots. Sources are read at snapshot time;
// registration happens during boot and is read-mostly afterward.
type Collector struct {
	start   time.Time
	mu      sync.RWMutex
	sources map[string]func() map[string]int64
}

// NewCollector creates a collector anchored at the current time.
func NewCollector() *Collector {
	return &Collector{
		start:   time.Now(),
		sources: make(map[string]func() map[string]int64),
	}
}

// RegisterSource attaches a named counter source. A nil fn removes the source.
func (c *Collector) RegisterSource(name string, fn func() map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.sources, name)
		return
	}
	c.sources[name] = fn
}

// Uptime returns the time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.start)
}

// Snapshot assembles the current system view.
func (c *Collector) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Snapshot{
		Timestamp:  time.Now(),
		UptimeSecs: int64(c.Uptime().Seconds()),
		Processors: runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		Memory: MemorySnapshot{
			AllocBytes:      ms.Alloc,
			TotalAllocBytes: ms.TotalAlloc,
			SysBytes:        ms.Sys,
			HeapObjects:     ms.HeapObjects,
			NumGC:           ms.NumGC,
		},
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sources) > 0 {
		s.Components = make(map[string]map[string]int64, len(c.sources))
		for name, fn := range c.sources {
			s.Components[name] = fn()
		}
	}
	return s
}
