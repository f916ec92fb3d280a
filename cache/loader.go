package cache

import "context"

// GetOrLoad returns the cached value for key, or executes load to fill it.
// Concurrent misses for the same key are coalesced: one loader runs, the rest
// wait and share its result. Load errors are returned, not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Double-check: a drain or another loader may have filled the key
		// between the miss and winning the flight.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.PutImmediate(key, val)
		return val, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}
