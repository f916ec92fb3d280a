package cache

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/TRUSTMATEKO/tx24-edge/executor"
	"github.com/TRUSTMATEKO/tx24-edge/pkg/clock"
)

// Option configures a Cache before it becomes active.
type Option[V any] func(*Cache[V])

// WithTTL sets the default time-to-live applied by Put and PutImmediate.
func WithTTL[V any](ttl time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCapacity sets the maximum entry count before eviction. Zero disables
// the capacity check.
func WithCapacity[V any](n int) Option[V] {
	return func(c *Cache[V]) { c.capacity = n }
}

// WithExpiryCallback registers the callback invoked once per real expiry.
func WithExpiryCallback[V any](cb ExpiryCallback[V]) Option[V] {
	return func(c *Cache[V]) { c.onExpire = cb }
}

// WithClock supplies the shared coarse clock.
func WithClock[V any](clk *clock.Clock) Option[V] {
	return func(c *Cache[V]) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithExecutor places the maintenance pass on the shared executor instead of
// a dedicated janitor goroutine.
func WithExecutor[V any](ex *executor.Executor) Option[V] {
	return func(c *Cache[V]) { c.ex = ex }
}

// WithMaintenanceInterval overrides the maintenance cadence.
func WithMaintenanceInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogger replaces the cache's logger.
func WithLogger[V any](l zerolog.Logger) Option[V] {
	return func(c *Cache[V]) { c.log = l }
}
