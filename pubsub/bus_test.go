package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"
)

type received struct {
	mu   sync.Mutex
	msgs []string
}

func (r *received) add(s string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, s)
	r.mu.Unlock()
}

func (r *received) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		got := len(r.msgs)
		r.mu.Unlock()
		if got >= n {
			r.mu.Lock()
			defer r.mu.Unlock()
			return append([]string(nil), r.msgs...)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, have %d", n, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(NewMemoryTransport())
	defer bus.Close()

	var got received
	sub, err := bus.Subscribe("cache.invalidate", func(channel string, payload []byte) {
		var ev InvalidationEvent
		if err := bus.DecodePayload(payload, &ev); err != nil {
			t.Errorf("DecodePayload: %v", err)
			return
		}
		got.add(ev.Keys[0])
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(context.Background(), "cache.invalidate", InvalidationEvent{Keys: []string{"k1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msgs := got.wait(t, 1)
	if msgs[0] != "k1" {
		t.Errorf("received %q, want k1", msgs[0])
	}
}

func TestPSubscribeWildcard(t *testing.T) {
	bus := NewBus(NewMemoryTransport())
	defer bus.Close()

	var got received
	sub, err := bus.PSubscribe("cache.*", func(channel string, payload []byte) {
		got.add(channel)
	})
	if err != nil {
		t.Fatalf("PSubscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	_ = bus.Publish(ctx, "cache.invalidate", InvalidationEvent{})
	_ = bus.Publish(ctx, "cache.refresh", InvalidationEvent{})
	_ = bus.Publish(ctx, "security.blacklist", BlacklistEvent{IP: "10.0.0.5"})

	msgs := got.wait(t, 2)
	for _, ch := range msgs {
		if ch == "security.blacklist" {
			t.Error("pattern cache.* delivered security.blacklist")
		}
	}
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	bus := NewBus(NewMemoryTransport(), WithCodec(MsgpackCodec{}))
	defer bus.Close()

	var got received
	sub, err := bus.Subscribe("security.blacklist", func(channel string, payload []byte) {
		var ev BlacklistEvent
		if err := bus.DecodePayload(payload, &ev); err != nil {
			t.Errorf("DecodePayload: %v", err)
			return
		}
		got.add(ev.IP)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(context.Background(), "security.blacklist", BlacklistEvent{IP: "10.0.0.5", Attempts: 5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msgs := got.wait(t, 1)
	if msgs[0] != "10.0.0.5" {
		t.Errorf("received %q, want 10.0.0.5", msgs[0])
	}
}

func TestOpenSubscriberDiagnostic(t *testing.T) {
	bus := NewBus(NewMemoryTransport())

	s1, _ := bus.Subscribe("a", func(string, []byte) {})
	s2, _ := bus.Subscribe("b", func(string, []byte) {})
	if got := bus.OpenSubscribers(); got != 2 {
		t.Errorf("OpenSubscribers = %d, want 2", got)
	}

	s1.Unsubscribe()
	s1.Close() // idempotent
	if got := bus.OpenSubscribers(); got != 1 {
		t.Errorf("OpenSubscribers after close = %d, want 1", got)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := bus.OpenSubscribers(); got != 0 {
		t.Errorf("OpenSubscribers after bus close = %d, want 0", got)
	}
	_ = s2

	if _, err := bus.Subscribe("c", func(string, []byte) {}); err != ErrClosed {
		t.Errorf("Subscribe on closed bus = %v, want ErrClosed", err)
	}
	if err := bus.Publish(context.Background(), "c", InvalidationEvent{}); err != ErrClosed {
		t.Errorf("Publish on closed bus = %v, want ErrClosed", err)
	}
}

func TestHandlerPanicDoesNotKillPump(t *testing.T) {
	bus := NewBus(NewMemoryTransport())
	defer bus.Close()

	var got received
	sub, err := bus.Subscribe("ch", func(channel string, payload []byte) {
		var ev InvalidationEvent
		_ = bus.DecodePayload(payload, &ev)
		if ev.Source == "bad" {
			panic("handler boom")
		}
		got.add(ev.Source)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ctx := context.Background()
	_ = bus.Publish(ctx, "ch", InvalidationEvent{Source: "bad"})
	_ = bus.Publish(ctx, "ch", InvalidationEvent{Source: "ok"})

	msgs := got.wait(t, 1)
	if msgs[0] != "ok" {
		t.Errorf("received %q after handler panic, want ok", msgs[0])
	}
}
