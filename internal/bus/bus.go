package bus

import (
	"context"

	"github.com/nkiryanov/hotline/internal/events"
)

// Publisher puts envelopes on a bus channel
type Publisher interface {
	// Publish encodes the envelope and sends it.
	// Encoding errors are returned to the caller, nothing is sent then.
	Publish(ctx context.Context, channel string, e events.Envelope) error
}

// Subscriber delivers raw messages of a bus channel
type Subscriber interface {
	// Subscribe returns messages of the channel in publish order.
	// The returned channel is closed when ctx is done or the bus connection is closed;
	// a closed subscription can't be restarted, subscribe again instead.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// NoopPublisher is a Publisher that does nothing (used when the bus is not wired)
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, channel string, e events.Envelope) error {
	_, err := events.Encode(e)
	return err
}
