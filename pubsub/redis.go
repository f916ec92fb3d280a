package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport adapts a go-redis client to the Transport interface. The
// client is owned by the caller; closing a subscription releases only its
// PubSub connection.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps an existing client.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends data on channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	return t.client.Publish(ctx, channel, data).Err()
}

// Subscribe opens a SUBSCRIBE connection.
func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (TransportSub, error) {
	ps := t.client.Subscribe(ctx, channels...)
	// Force the subscription to be established before returning so a Publish
	// immediately after Subscribe is not silently missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newRedisSub(ps), nil
}

// PSubscribe opens a PSUBSCRIBE connection; Redis glob '*' wildcards line up
// with the bus's pattern semantics.
func (t *RedisTransport) PSubscribe(ctx context.Context, patterns ...string) (TransportSub, error) {
	ps := t.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newRedisSub(ps), nil
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Message
	once sync.Once
}

func newRedisSub(ps *redis.PubSub) *redisSub {
	s := &redisSub{ps: ps, out: make(chan Message)}
	go func() {
		defer close(s.out)
		for msg := range ps.Channel() {
			s.out <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}
		}
	}()
	return s
}

func (s *redisSub) Messages() <-chan Message { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
