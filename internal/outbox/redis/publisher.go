// Package redis publishes outbox events to a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/checkout-sagas/internal/outbox"
)

// Publisher implements outbox.Publisher over Redis pub/sub.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher connects to the Redis instance at addr and publishes every
// event to the given channel.
func NewPublisher(addr, channel string) *Publisher {
	return &Publisher{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (p *Publisher) Publish(ctx context.Context, event *outbox.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event %s: %w", event.EventID, err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", event.EventID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
