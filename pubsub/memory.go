package pubsub

import (
	"context"
	"sync"
)

// MemoryTransport is the in-process transport: single-node deployments and
// tests. Delivery is asynchronous per subscription through a bounded mailbox;
// a full mailbox drops the message (at-most-once, never blocking publishers).
type MemoryTransport struct {
	mu   sync.RWMutex
	subs map[*memorySub]struct{}
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[*memorySub]struct{})}
}

const memoryMailbox = 256

type memorySub struct {
	t        *MemoryTransport
	channels map[string]struct{}
	patterns []string
	ch       chan Message
	once     sync.Once
}

// Publish delivers data to every matching subscription's mailbox.
func (t *MemoryTransport) Publish(_ context.Context, channel string, data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for s := range t.subs {
		if !s.matches(channel) {
			continue
		}
		select {
		case s.ch <- Message{Channel: channel, Data: data}:
		default:
			// Mailbox full: best-effort delivery, drop.
		}
	}
	return nil
}

// Subscribe opens a subscription on exact channel names.
func (t *MemoryTransport) Subscribe(_ context.Context, channels ...string) (TransportSub, error) {
	s := &memorySub{
		t:        t,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, memoryMailbox),
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}
	t.add(s)
	return s, nil
}

// PSubscribe opens a subscription on '*' wildcard patterns.
func (t *MemoryTransport) PSubscribe(_ context.Context, patterns ...string) (TransportSub, error) {
	s := &memorySub{
		t:        t,
		patterns: append([]string(nil), patterns...),
		ch:       make(chan Message, memoryMailbox),
	}
	t.add(s)
	return s, nil
}

func (t *MemoryTransport) add(s *memorySub) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (s *memorySub) matches(channel string) bool {
	if _, ok := s.channels[channel]; ok {
		return true
	}
	for _, p := range s.patterns {
		if MatchPattern(p, channel) {
			return true
		}
	}
	return false
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
		close(s.ch)
	})
	return nil
}
