// Package pubsub implements the channel-oriented message bus: best-effort,
// at-most-once fan-out of published payloads to channel and pattern
// subscribers. The underlying transport (Redis or an in-process fallback) is
// an external collaborator behind the narrow Transport interface.
//
// Design Notes:
// - Every payload travels inside an Envelope carrying a correlation id and
//   publish timestamp, serialized by a pluggable codec (JSON by default,
//   MessagePack optional).
// - Subscribers hold a long-lived transport connection and must be closed;
//   the bus keeps an open-subscriber counter as a leak diagnostic.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// Message is one delivery from the transport.
type Message struct {
	Channel string
	Data    []byte
}

// TransportSub is a live transport subscription.
type TransportSub interface {
	// Messages yields deliveries until the subscription closes.
	Messages() <-chan Message
	// Close releases the underlying connection. Idempotent.
	Close() error
}

// Transport is the external collaborator carrying published bytes between
// bus instances.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channels ...string) (TransportSub, error)
	// PSubscribe matches channels against patterns with '*' wildcards.
	PSubscribe(ctx context.Context, patterns ...string) (TransportSub, error)
}

// Handler consumes a delivered payload. Handlers run on the subscriber's pump
// goroutine; long work should be handed elsewhere.
type Handler func(channel string, payload []byte)

// Envelope wraps every published payload on the wire.
type Envelope struct {
	ID          string `json:"id" msgpack:"id"`
	Channel     string `json:"channel" msgpack:"channel"`
	PublishedAt int64  `json:"published_at" msgpack:"published_at"`
	Payload     []byte `json:"payload" msgpack:"payload"`
}

// Bus fans out messages between publishers and handlers over a Transport.
type Bus struct {
	transport Transport
	codec     Codec
	log       zerolog.Logger

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	open   atomic.Int64
	closed atomic.Bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithCodec replaces the default JSON codec.
func WithCodec(c Codec) BusOption {
	return func(b *Bus) {
		if c != nil {
			b.codec = c
		}
	}
}

// WithBusLogger replaces the bus logger.
func WithBusLogger(l zerolog.Logger) BusOption {
	return func(b *Bus) { b.log = l }
}

// NewBus creates a bus over the given transport.
func NewBus(t Transport, opts ...BusOption) *Bus {
	b := &Bus{
		transport: t,
		codec:     JSONCodec{},
		log:       log.With().Str("component", "pubsub").Logger(),
		subs:      make(map[*Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish encodes payload and sends it to channel. Fire-and-forget: delivery
// is best-effort, at-most-once; the returned error reports only local encode
// or transport submission failures.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	if b.closed.Load() {
		return ErrClosed
	}
	raw, err := b.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: encode payload: %w", err)
	}
	env := Envelope{
		ID:          uuid.NewString(),
		Channel:     channel,
		PublishedAt: time.Now().UnixMilli(),
		Payload:     raw,
	}
	data, err := b.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("pubsub: encode envelope: %w", err)
	}
	return b.transport.Publish(ctx, channel, data)
}

// Subscribe attaches handler to a single channel.
func (b *Bus) Subscribe(channel string, handler Handler) (*Subscriber, error) {
	return b.attach(func(ctx context.Context) (TransportSub, error) {
		return b.transport.Subscribe(ctx, channel)
	}, channel, handler)
}

// PSubscribe attaches handler to every channel matching pattern, where '*'
// matches any run of characters.
func (b *Bus) PSubscribe(pattern string, handler Handler) (*Subscriber, error) {
	return b.attach(func(ctx context.Context) (TransportSub, error) {
		return b.transport.PSubscribe(ctx, pattern)
	}, pattern, handler)
}

func (b *Bus) attach(open func(context.Context) (TransportSub, error), name string, handler Handler) (*Subscriber, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ts, err := open(context.Background())
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe %q: %w", name, err)
	}
	s := &Subscriber{bus: b, ts: ts, name: name}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	b.open.Add(1)

	s.wg.Add(1)
	go s.pump(handler)
	return s, nil
}

// DecodePayload decodes a handler's payload bytes into v with the bus codec.
func (b *Bus) DecodePayload(payload []byte, v any) error {
	return b.codec.Unmarshal(payload, v)
}

// OpenSubscribers is the leak diagnostic: subscribers created and not yet
// closed.
func (b *Bus) OpenSubscribers() int64 { return b.open.Load() }

// Close closes every subscriber. The transport itself is owned by the caller.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Subscriber is one live channel or pattern attachment.
type Subscriber struct {
	bus  *Bus
	ts   TransportSub
	name string
	once sync.Once
	wg   sync.WaitGroup
}

func (s *Subscriber) pump(handler Handler) {
	defer s.wg.Done()
	for msg := range s.ts.Messages() {
		var env Envelope
		if err := s.bus.codec.Unmarshal(msg.Data, &env); err != nil {
			s.bus.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable message")
			continue
		}
		s.handle(handler, msg.Channel, env.Payload)
	}
}

func (s *Subscriber) handle(handler Handler, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.Warn().Interface("panic", r).Str("channel", channel).Msg("subscriber handler panicked")
		}
	}()
	handler(channel, payload)
}

// Unsubscribe detaches the handler and releases the transport connection.
func (s *Subscriber) Unsubscribe() { s.Close() }

// Close releases the long-lived connection. Not closing a subscriber leaks it;
// see Bus.OpenSubscribers. Idempotent.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		_ = s.ts.Close()
		s.wg.Wait()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.bus.open.Add(-1)
	})
}
