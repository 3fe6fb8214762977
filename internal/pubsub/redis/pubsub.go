// Package redis is a pubsub.Broker backed by Redis pub/sub, used when several
// server processes share one sessions directory.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roundtable/internal/pubsub"
)

const (
	defaultPrefix = "roundtable:"
	defaultBuffer = 64
)

// PubSub fans session events out through Redis. Channel names are namespaced
// with a prefix so several deployments can share one Redis.
type PubSub struct {
	client *redis.Client
	prefix string
	buffer int
}

var _ pubsub.Broker = (*PubSub)(nil) //nolint:gochecknoglobals // compile-time check

// Option configures a PubSub.
type Option func(*PubSub)

// WithPrefix sets the channel namespace. The default is "roundtable:".
func WithPrefix(prefix string) Option {
	return func(ps *PubSub) { ps.prefix = prefix }
}

// WithBuffer sets the per-subscriber buffer. A subscriber that falls this far
// behind is dropped.
func WithBuffer(n int) Option {
	return func(ps *PubSub) {
		if n > 0 {
			ps.buffer = n
		}
	}
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, addr, password string, db int, opts ...Option) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	ps := &PubSub{client: client, prefix: defaultPrefix, buffer: defaultBuffer}
	for _, opt := range opts {
		opt(ps)
	}
	return ps, nil
}

// Close closes the Redis client, ending every subscription.
func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("redis.PubSub.Close: %w", err)
	}
	return nil
}

// Publish sends payload to every subscriber of channel across all processes.
func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, ps.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish(%s): %w", channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so anything
// published afterwards is delivered. The returned channel is closed when ctx
// is done, cleanup is called, the connection fails, or the subscriber falls
// more than the buffer behind; the last two mean events were lost.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	name := ps.prefix + channel
	sub := ps.client.Subscribe(ctx, name)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe(%s): receive confirmation: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
		})
	}

	out := make(chan []byte, ps.buffer)
	go func() {
		defer close(out)
		defer cleanup()

		for {
			msg, err := sub.ReceiveMessage(subCtx)
			if err != nil {
				if subCtx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
					log.Warn().Err(err).Str("channel", channel).Msg("redis.PubSub: subscription ended")
				}
				return
			}

			select {
			case out <- []byte(msg.Payload):
			default:
				log.Warn().Str("channel", channel).Int("buffer", ps.buffer).Msg("redis.PubSub: slow subscriber dropped")
				return
			}
		}
	}()

	return out, cleanup, nil
}
