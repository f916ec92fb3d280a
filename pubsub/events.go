package pubsub

// Well-known channel names.
//
// Naming convention: dotted, lowercase, most-significant first. Channels are
// constants so publishers and subscribers cannot drift apart on typos.
const (
	// ChannelCacheInvalidate carries InvalidationEvent payloads consumed by
	// cache instances bound via BindInvalidation.
	ChannelCacheInvalidate = "cache.invalidate"

	// ChannelSecurityBlacklist announces a blacklisted IP so peers can shed
	// the same client.
	ChannelSecurityBlacklist = "security.blacklist"
)

// InvalidationEvent asks subscribed caches to drop entries. Keys are exact
// matches; Pattern ('*' wildcards) is optional and may be combined with Keys.
type InvalidationEvent struct {
	Keys    []string `json:"keys,omitempty" msgpack:"keys,omitempty"`
	Pattern string   `json:"pattern,omitempty" msgpack:"pattern,omitempty"`
	Source  string   `json:"source,omitempty" msgpack:"source,omitempty"`
}

// BlacklistEvent announces an IP blacklisted by the security filter.
type BlacklistEvent struct {
	IP       string `json:"ip" msgpack:"ip"`
	Until    int64  `json:"until" msgpack:"until"` // unix millis
	Attempts int64  `json:"attempts" msgpack:"attempts"`
}
