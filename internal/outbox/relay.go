package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Relay moves undelivered outbox rows to the event bus. It is the second
// half of the outbox pattern: the order store commits event rows inside its
// own transactions, the relay publishes them out-of-band.
//
// A row is marked delivered only after the publish succeeds, so a crash
// between publish and mark re-publishes the event — at-least-once, by
// contract. Consumers deduplicate by event id.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batchSize int
}

// NewRelay wires a relay over the given source and publisher.
func NewRelay(source Source, publisher Publisher, interval time.Duration, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				slog.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

// Drain publishes one batch and returns how many events were delivered.
// A publish failure stops the batch; the remaining rows stay undelivered
// and are retried on the next tick.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.source.FetchUndelivered(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			return delivered, err
		}
		if err := r.source.MarkDelivered(ctx, event.EventID, time.Now().UTC()); err != nil {
			// Published but not marked: the row will be re-published next
			// tick. That is the at-least-once contract, not a failure.
			slog.WarnContext(ctx, "event published but not marked delivered",
				"event_id", event.EventID, "error", err)
			return delivered, err
		}
		delivered++
		slog.InfoContext(ctx, "event delivered",
			"event_id", event.EventID, "order_id", event.OrderID, "type", string(event.Type))
	}
	return delivered, nil
}
