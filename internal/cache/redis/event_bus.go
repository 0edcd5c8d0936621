package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// LobbyChannel is the Pub/Sub channel lobby lifecycle events are published
// on. The WebSocket hub subscribes to it and relays events to clients.
const LobbyChannel = "ch:lobby"

// EventBus implements domain.EventPublisher over Redis Pub/Sub, and exposes
// Subscribe for in-process consumers like the WebSocket hub.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// PublishLobbyEvent serializes the event as JSON and publishes it on the
// lobby channel.
func (b *EventBus) PublishLobbyEvent(ctx context.Context, ev domain.LobbyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal lobby event: %w", err)
	}
	if err := b.rdb.Publish(ctx, LobbyChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", LobbyChannel, err)
	}
	return nil
}

// Subscribe returns a read-only channel of raw event payloads from the lobby
// channel. The subscription is closed when the context is cancelled; the
// returned channel is closed at that point as well.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	pubsub := b.rdb.Subscribe(ctx, LobbyChannel)

	// Verify the subscription is established by receiving the confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", LobbyChannel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Compile-time interface check.
var _ domain.EventPublisher = (*EventBus)(nil)
