// Package cache implements a high-throughput, write-buffered, time-expiring
// in-process cache with lazy eviction and statistics.
//
// Design Choices:
// - The store is a concurrent map (puzpuzpuz/xsync) with per-entry atomic
//   flags; there is no coarse lock on the read or write path.
// - Reads use the cached coarse clock to avoid a time syscall per lookup.
//   GetExact is the strict variant for security-critical callers.
// - Puts are buffered: Put appends to an unbounded FIFO and returns. The
//   buffer is drained in bounded batches under a try-lock, decoupling put
//   latency from map insertion cost under contention.
// - Expired entries are marked deleted and swept by a periodic maintenance
//   pass rather than removed inline on the fast path.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/TRUSTMATEKO/tx24-edge/executor"
	"github.com/TRUSTMATEKO/tx24-edge/pkg/clock"
)

const (
	// WriteBufferSize is the batch size of a single drain and the pending
	// threshold that triggers one.
	WriteBufferSize = 128
	// DefaultCapacity is the maximum entry count before eviction kicks in.
	DefaultCapacity = 10_000_000
	// DefaultTTL applies when no TTL option is given.
	DefaultTTL = 30 * time.Minute
	// DefaultMaintenanceInterval is how often the buffer is drained and
	// expired entries are swept.
	DefaultMaintenanceInterval = time.Minute
	// SweepLimit bounds how many entries one maintenance pass removes.
	SweepLimit = 1000
	// evictionSample bounds how many entries are examined when choosing an
	// eviction victim. Scanning the whole map at the default capacity would
	// stall the writer; the earliest expireAt within the sample is a cheap
	// proxy for least-recently-used under write-heavy workloads.
	evictionSample = 128
)

type entry[V any] struct {
	value    V
	expireAt int64 // unix millis
	deleted  atomic.Bool
	notified atomic.Bool
}

func (e *entry[V]) expired(nowMillis int64) bool {
	return nowMillis > e.expireAt
}

// ExpiryCallback is invoked once per real expiry, from GetExact or the
// maintenance sweep. A panicking callback is caught per entry and never
// interrupts the sweep.
type ExpiryCallback[V any] func(key string, value V)

// Cache is a time-expiring key-value store. All operations are total: they
// never return errors and never panic on well-formed use.
type Cache[V any] struct {
	entries *xsync.Map[string, *entry[V]]
	buf     *writeBuffer[V]
	drainMu sync.Mutex

	clk      *clock.Clock
	ttl      time.Duration
	capacity int
	onExpire ExpiryCallback[V]
	interval time.Duration
	ex       *executor.Executor
	log      zerolog.Logger

	sf singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64

	handle   *executor.Handle
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New creates a cache. The clock defaults to an unstarted coarse clock (which
// falls back to exact reads); supply a started one with WithClock to benefit
// from the cached timestamp.
func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		entries:  xsync.NewMap[string, *entry[V]](),
		buf:      newWriteBuffer[V](),
		clk:      clock.New(0),
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		interval: DefaultMaintenanceInterval,
		log:      log.With().Str("component", "cache").Logger(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the maintenance pass: on the configured executor when one was
// supplied, otherwise on a dedicated janitor goroutine.
func (c *Cache[V]) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if c.ex != nil {
		h, err := c.ex.ScheduleAtFixedRate(c.Maintain, c.interval, c.interval)
		if err != nil {
			c.log.Error().Err(err).Msg("maintenance registration failed; falling back to janitor")
		} else {
			c.handle = h
			return
		}
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Maintain()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Close stops maintenance, flushes the write buffer and runs final expiry
// callbacks for entries already past their deadline.
func (c *Cache[V]) Close() {
	if c.handle != nil {
		c.handle.Cancel()
	}
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	c.drainFull()
	c.sweep(c.entries.Size())
}

// Get returns the live value for key. Expiry is checked against the coarse
// clock; an expired entry is marked deleted and reported absent, but removal
// is left to the maintenance pass.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	e, ok := c.entries.Load(key)
	if !ok || e.deleted.Load() || e.expired(c.clk.NowCoarse()) {
		if ok && !e.deleted.Load() {
			e.deleted.Store(true)
		}
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// GetExact is the strict-path read: expiry is checked against the exact clock
// and an expired entry is removed synchronously, invoking the expiry callback.
func (c *Cache[V]) GetExact(key string) (V, bool) {
	var zero V
	e, ok := c.entries.Load(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if e.deleted.Load() || e.expired(c.clk.NowExact()) {
		c.removeEntry(key, e)
		c.notifyExpiry(key, e)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Put enqueues a buffered write with the cache's default TTL. Fire-and-forget:
// the value becomes observable after at most one drain cycle.
func (c *Cache[V]) Put(key string, value V) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL enqueues a buffered write with an explicit TTL.
func (c *Cache[V]) PutTTL(key string, value V, ttl time.Duration) {
	pending := c.buf.append(writeOp[V]{
		key:      key,
		value:    value,
		expireAt: c.clk.NowCoarse() + ttl.Milliseconds(),
	})
	if pending >= WriteBufferSize {
		c.tryDrain()
	}
}

// PutImmediate bypasses the write buffer and inserts directly, enforcing
// capacity by evicting the sampled entry with the earliest expireAt when the
// map is full and the key is new.
func (c *Cache[V]) PutImmediate(key string, value V) {
	c.store(key, value, c.clk.NowCoarse()+c.ttl.Milliseconds())
}

// PutImmediateTTL is PutImmediate with an explicit TTL.
func (c *Cache[V]) PutImmediateTTL(key string, value V, ttl time.Duration) {
	c.store(key, value, c.clk.NowCoarse()+ttl.Milliseconds())
}

// GetOrPutImmediate returns the live value for key, inserting value when the
// key is absent or expired. The boolean reports whether an existing live value
// was returned. Useful for per-key counters shared across goroutines.
func (c *Cache[V]) GetOrPutImmediate(key string, value V) (V, bool) {
	fresh := &entry[V]{value: value, expireAt: c.clk.NowCoarse() + c.ttl.Milliseconds()}
	for {
		cur, loaded := c.entries.LoadOrStore(key, fresh)
		if !loaded {
			return value, false
		}
		if !cur.deleted.Load() && !cur.expired(c.clk.NowCoarse()) {
			c.hits.Add(1)
			return cur.value, true
		}
		c.removeEntry(key, cur)
		c.notifyExpiry(key, cur)
	}
}

// Delete marks the entry deleted and removes it. No expiry callback fires.
func (c *Cache[V]) Delete(key string) {
	if e, ok := c.entries.LoadAndDelete(key); ok {
		e.deleted.Store(true)
		e.notified.Store(true)
	}
}

// Maintain drains the write buffer and sweeps up to SweepLimit entries that
// are expired or marked deleted. Registered on the executor by Start; exported
// so callers with their own cadence can drive it directly.
func (c *Cache[V]) Maintain() {
	c.drainFull()
	c.sweep(SweepLimit)
}

func (c *Cache[V]) sweep(limit int) {
	now := c.clk.NowExact()
	removed := 0
	c.entries.Range(func(key string, e *entry[V]) bool {
		if removed >= limit {
			return false
		}
		if e.deleted.Load() || e.expired(now) {
			if c.removeEntry(key, e) {
				c.notifyExpiry(key, e)
				removed++
			}
		}
		return true
	})
}

// removeEntry deletes key only while it still maps to e, so a concurrent
// replacement by a drain or PutImmediate is never clobbered.
func (c *Cache[V]) removeEntry(key string, e *entry[V]) bool {
	removed := false
	c.entries.Compute(key, func(cur *entry[V], loaded bool) (*entry[V], xsync.ComputeOp) {
		if loaded && cur == e {
			removed = true
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	return removed
}

func (c *Cache[V]) notifyExpiry(key string, e *entry[V]) {
	if c.onExpire == nil {
		return
	}
	if !e.notified.CompareAndSwap(false, true) {
		return
	}
	c.expired.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug().Interface("panic", r).Str("key", key).Msg("expiry callback failed")
		}
	}()
	c.onExpire(key, e.value)
}

// tryDrain attempts the single-writer drain. Non-winners return immediately;
// another goroutine is already draining and will pick up the queued ops.
func (c *Cache[V]) tryDrain() {
	if !c.drainMu.TryLock() {
		return
	}
	defer c.drainMu.Unlock()
	c.drainBatch()
}

// drainFull empties the buffer in WriteBufferSize batches.
func (c *Cache[V]) drainFull() {
	if !c.drainMu.TryLock() {
		return
	}
	defer c.drainMu.Unlock()
	for c.drainBatch() == WriteBufferSize {
	}
}

func (c *Cache[V]) drainBatch() int {
	ops := c.buf.take(WriteBufferSize)
	for i := range ops {
		c.store(ops[i].key, ops[i].value, ops[i].expireAt)
	}
	return len(ops)
}

func (c *Cache[V]) store(key string, value V, expireAt int64) {
	if c.capacity > 0 {
		if _, exists := c.entries.Load(key); !exists && c.entries.Size() >= c.capacity {
			c.evictOne()
		}
	}
	c.entries.Store(key, &entry[V]{value: value, expireAt: expireAt})
}

// evictOne removes the entry with the earliest expireAt among a bounded sample.
func (c *Cache[V]) evictOne() {
	var victimKey string
	var victim *entry[V]
	seen := 0
	c.entries.Range(func(key string, e *entry[V]) bool {
		if victim == nil || e.expireAt < victim.expireAt {
			victimKey, victim = key, e
		}
		seen++
		return seen < evictionSample
	})
	if victim != nil && c.removeEntry(victimKey, victim) {
		victim.deleted.Store(true)
		victim.notified.Store(true)
		c.evictions.Add(1)
	}
}

// Size returns the current entry count, including entries marked deleted that
// the sweep has not removed yet.
func (c *Cache[V]) Size() int { return c.entries.Size() }

// Range visits live entries until fn returns false.
func (c *Cache[V]) Range(fn func(key string, value V) bool) {
	now := c.clk.NowCoarse()
	c.entries.Range(func(key string, e *entry[V]) bool {
		if e.deleted.Load() || e.expired(now) {
			return true
		}
		return fn(key, e.value)
	})
}
