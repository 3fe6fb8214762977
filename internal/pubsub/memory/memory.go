// Package memory is an in-process pubsub.Broker for single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gosuda/roundtable/internal/pubsub"
)

// ErrClosed is returned after the broker has been closed.
var ErrClosed = errors.New("memory: broker closed") //nolint:gochecknoglobals // sentinel error

const defaultBuffer = 256

type subscriber struct {
	ch chan []byte
}

// Broker fans payloads out to subscribers of a channel. A subscriber that
// cannot keep up is dropped and its channel closed rather than skipped over,
// so consumers never observe a gap mid-stream.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	closed bool
}

var _ pubsub.Broker = (*Broker)(nil) //nolint:gochecknoglobals // compile-time check

// New creates a Broker. buffer <= 0 selects the default per-subscriber buffer.
func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Publish delivers payload to every current subscriber of channel. Publishing
// to a channel with no subscribers is a no-op.
func (b *Broker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("memory.Broker.Publish: %w", ErrClosed)
	}

	for sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			b.removeLocked(channel, sub)
		}
	}

	return nil
}

// Subscribe registers a subscriber. The subscription ends when ctx is done or
// cleanup is called.
func (b *Broker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("memory.Broker.Subscribe: %w", ErrClosed)
	}

	sub := &subscriber{ch: make(chan []byte, b.buffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscriber]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			b.removeLocked(channel, sub)
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()

	return sub.ch, cleanup, nil
}

// Subscribers returns the number of live subscribers on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Close drops every subscriber.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for sub := range subs {
			b.removeLocked(channel, sub)
		}
	}
	return nil
}

func (b *Broker) removeLocked(channel string, sub *subscriber) {
	subs, ok := b.subs[channel]
	if !ok {
		return
	}
	if _, ok = subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
}
