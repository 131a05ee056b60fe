package streamclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-freshness/pkg/types"
)

// PubsubOpenerConfig holds configuration for the Pub/Sub stream transport.
type PubsubOpenerConfig struct {
	SubscriptionID string
	// EventAttribute is the message attribute carrying the event name.
	// Messages without it dispatch as generic messages. Defaults to "event".
	EventAttribute string
}

// PubsubOpener adapts a Google Cloud Pub/Sub subscription into the stream
// transport contract, so "data changed" notifications can ride an existing
// Pub/Sub topic instead of a bespoke push endpoint.
type PubsubOpener struct {
	subscription   *pubsub.Subscription
	eventAttribute string
	logger         zerolog.Logger
}

// NewPubsubOpener verifies the subscription exists and returns an opener for
// it. The client's lifecycle is managed externally.
func NewPubsubOpener(cfg *PubsubOpenerConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubOpener, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.EventAttribute == "" {
		cfg.EventAttribute = "event"
	}
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if !exists || err != nil {
		return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
	}

	return &PubsubOpener{
		subscription:   sub,
		eventAttribute: cfg.EventAttribute,
		logger:         logger.With().Str("component", "PubsubOpener").Str("subscription_id", cfg.SubscriptionID).Logger(),
	}, nil
}

// Open starts receiving on the subscription and delivers events through h
// until the handle is closed or the receive loop fails.
func (o *PubsubOpener) Open(ctx context.Context, h Handler) (StreamHandle, error) {
	receiveCtx, cancel := context.WithCancel(ctx)
	handle := &pubsubHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(handle.done)
		o.logger.Info().Msg("Pub/Sub receive loop started.")
		err := o.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			payload := make([]byte, len(msg.Data))
			copy(payload, msg.Data)

			name := msg.Attributes[o.eventAttribute]
			switch name {
			case types.EventConnected, types.EventDataChanged:
			default:
				name = types.EventMessage
			}
			h.HandleEvent(types.StreamEvent{
				Name:       name,
				Payload:    payload,
				ReceivedAt: time.Now(),
				Attributes: msg.Attributes,
			})
			msg.Ack()
		})
		o.logger.Info().Msg("Pub/Sub receive loop stopped.")
		if err != nil && receiveCtx.Err() == nil {
			// Receive failed on its own: the connection is terminally closed.
			h.HandleDisconnect(err, true)
		}
	}()

	// Receive is running; treat the stream as open.
	h.HandleOpen()
	return handle, nil
}

type pubsubHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Close stops the receive loop and waits for it to drain.
func (p *pubsubHandle) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
	})
	return nil
}
