package cache

import (
	"context"
	"testing"
	"time"

	"github.com/TRUSTMATEKO/tx24-edge/pubsub"
)

func TestBindInvalidationExactKeys(t *testing.T) {
	bus := pubsub.NewBus(pubsub.NewMemoryTransport())
	defer bus.Close()

	c := New[string]()
	sub, err := c.BindInvalidation(bus, pubsub.ChannelCacheInvalidate)
	if err != nil {
		t.Fatalf("BindInvalidation: %v", err)
	}
	defer sub.Close()

	c.PutImmediate("user:1", "a")
	c.PutImmediate("user:2", "b")

	err = bus.Publish(context.Background(), pubsub.ChannelCacheInvalidate,
		pubsub.InvalidationEvent{Keys: []string{"user:1"}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitAbsent(t, c, "user:1")
	if _, ok := c.Get("user:2"); !ok {
		t.Error("user:2 invalidated unexpectedly")
	}
}

func TestBindInvalidationPattern(t *testing.T) {
	bus := pubsub.NewBus(pubsub.NewMemoryTransport())
	defer bus.Close()

	c := New[string]()
	sub, err := c.BindInvalidation(bus, pubsub.ChannelCacheInvalidate)
	if err != nil {
		t.Fatalf("BindInvalidation: %v", err)
	}
	defer sub.Close()

	c.PutImmediate("user:1", "a")
	c.PutImmediate("user:2", "b")
	c.PutImmediate("session:1", "c")

	err = bus.Publish(context.Background(), pubsub.ChannelCacheInvalidate,
		pubsub.InvalidationEvent{Pattern: "user:*"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitAbsent(t, c, "user:1")
	waitAbsent(t, c, "user:2")
	if _, ok := c.Get("session:1"); !ok {
		t.Error("session:1 invalidated by user:* pattern")
	}
}

func waitAbsent(t *testing.T, c *Cache[string], key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Get(key); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("key %q still present after invalidation", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
