// Package bus adapts the publish/subscribe signaling transport. The rest of
// the client sees only the Bus interface: ordered delivery per subscription,
// at-least-once, no ordering guarantees across distinct destinations.
package bus

import (
	"context"
	"errors"

	"github.com/petervdpas/peerlobby/internal/signal"
)

// ErrDisconnected is returned by Publish once the transport is gone for good.
var ErrDisconnected = errors.New("bus: transport disconnected")

// subscriberBuffer is the per-subscription channel capacity. A full buffer
// drops the newest message rather than blocking the transport read loop.
const subscriberBuffer = 64

// Bus is the only surface the client needs from the signaling transport.
type Bus interface {
	// Publish delivers msg to every subscriber of destination. Retries on
	// transient transport hiccups are the implementation's responsibility.
	Publish(ctx context.Context, destination string, msg *signal.Message) error

	// Subscribe returns a channel of messages for destination, in publish
	// order, and a cancel func that releases the subscription.
	Subscribe(destination string) (<-chan *signal.Message, func())

	// Done is closed when the transport has been lost and will not recover.
	Done() <-chan struct{}

	Close() error
}
