// Package pubsub defines the fan-out used to push session events to
// connected clients.
package pubsub

import (
	"context"

	"github.com/google/uuid"
)

// Broker publishes payloads to named channels and streams them to subscribers.
// Payloads on one channel are delivered in publish order. A subscription whose
// returned channel is closed has lost events and must resync.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	Close() error
}

// SessionChannel returns the channel name for a session's events.
func SessionChannel(sessionID uuid.UUID) string {
	return "session:" + sessionID.String()
}
