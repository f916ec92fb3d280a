package cache

import (
	"github.com/TRUSTMATEKO/tx24-edge/pubsub"
)

// BindInvalidation subscribes the cache to a bus channel carrying
// InvalidationEvent payloads and deletes the named keys (and any keys
// matching the event pattern) on delivery. The returned subscriber must be
// closed when the cache shuts down.
func (c *Cache[V]) BindInvalidation(bus *pubsub.Bus, channel string) (*pubsub.Subscriber, error) {
	return bus.Subscribe(channel, func(ch string, payload []byte) {
		var ev pubsub.InvalidationEvent
		if err := bus.DecodePayload(payload, &ev); err != nil {
			c.log.Warn().Err(err).Str("channel", ch).Msg("dropping undecodable invalidation")
			return
		}
		for _, k := range ev.Keys {
			c.Delete(k)
		}
		if ev.Pattern != "" {
			var matched []string
			c.entries.Range(func(key string, _ *entry[V]) bool {
				if pubsub.MatchPattern(ev.Pattern, key) {
					matched = append(matched, key)
				}
				return true
			})
			for _, k := range matched {
				c.Delete(k)
			}
		}
	})
}
