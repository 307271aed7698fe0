package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
)

const (
	defaultReconnectWait = time.Second

	// Messages kept by the client for a slow subscription before it is marked slow
	defaultPendingMsgs  = 64 * 1024
	defaultPendingBytes = 64 * 1024 * 1024
)

// NATS is a bus over a single NATS connection. It is both Publisher and Subscriber.
type NATS struct {
	conn   *nats.Conn
	logger logger.Logger
}

// NewNATS connects with infinite reconnects.
// Extra nats.Option values (e.g. custom handlers) can be appended.
func NewNATS(url string, l logger.Logger, opts ...nats.Option) (*NATS, error) {
	defaults := []nats.Option{
		nats.Name("hotline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn("Bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("Bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			l.Error("Bus async error", "error", err, "channel", subject)
		}),
	}

	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to bus at %s. Err: %w", url, err)
	}

	return &NATS{conn: nc, logger: l}, nil
}

func (b *NATS) Publish(ctx context.Context, channel string, e events.Envelope) error {
	data, err := events.Encode(e)
	if err != nil {
		return err
	}

	if err := b.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("error while publishing to %s. Err: %w", channel, err)
	}
	return nil
}

func (b *NATS) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub, err := b.conn.SubscribeSync(channel)
	if err != nil {
		return nil, fmt.Errorf("error while subscribing to %s. Err: %w", channel, err)
	}
	if err := sub.SetPendingLimits(defaultPendingMsgs, defaultPendingBytes); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("error while setting pending limits. Err: %w", err)
	}

	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("error while flushing subscription. Err: %w", err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Unsubscribe() // nolint:errcheck

		for {
			msg, err := sub.NextMsgWithContext(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
				b.logger.Warn("Bus subscription closed", "channel", channel, "error", err)
				return
			default:
				// Slow consumer and alike: the message is lost for us, the subscription is not
				b.logger.Error("Bus receive error", "channel", channel, "error", err)
				continue
			}

			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Flush waits until everything published so far reached the server
func (b *NATS) Flush() error {
	return b.conn.Flush()
}

// PublishRaw sends bytes as is. Meant for diagnostics and tests
func (b *NATS) PublishRaw(channel string, data []byte) error {
	return b.conn.Publish(channel, data)
}

// Close flushes pending publishes and closes the connection.
// Subscriptions opened on it are closed too.
func (b *NATS) Close() error {
	var err error
	if !b.conn.IsClosed() {
		err = b.conn.Flush()
	}
	b.conn.Close()
	return err
}
