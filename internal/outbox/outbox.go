// Package outbox implements the transactional outbox pattern.
//
// State-changing writes to the order store that must produce an external
// event write an event row in the same local transaction, which avoids the
// dual-write problem without a distributed transaction. A separate relay
// reads undelivered rows, publishes them to the event bus, and marks them
// delivered. Delivery is at-least-once; consumers deduplicate by EventID.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of order event published downstream.
type EventType string

const (
	EventOrderConfirmed EventType = "order.confirmed"
	EventOrderCancelled EventType = "order.cancelled"
)

// Event is the envelope published to subscribers.
type Event struct {
	EventID    string          `json:"event_id"`
	OrderID    string          `json:"order_id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEvent assigns a fresh event id and serialises the payload.
func NewEvent(orderID string, t EventType, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal payload for order %s: %w", orderID, err)
	}
	return &Event{
		EventID:    uuid.NewString(),
		OrderID:    orderID,
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    body,
	}, nil
}

// Source is the read side of the outbox table, implemented by the order
// store (the rows live in the same database as the orders they describe).
type Source interface {
	// FetchUndelivered returns at most limit undelivered events, oldest first.
	FetchUndelivered(ctx context.Context, limit int) ([]*Event, error)
	// MarkDelivered records that the event reached the bus. Safe to call twice.
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error
}

// Publisher is the outbound event-bus port.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}
