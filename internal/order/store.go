package order

import (
	"context"
	"time"

	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	"github.com/jcmexdev/checkout-sagas/internal/outbox"
)

// Store is the durable, versioned persistence port for order aggregates.
//
// Every mutation is a compare-and-swap on (id, version): implementations
// must return ErrStateConflict when the stored version differs from the
// caller's copy, and bump Version on the passed aggregate on success. The
// saga coordinator is the sole writer of Order.Status.
type Store interface {
	// Create inserts a new aggregate with its line items.
	Create(ctx context.Context, o *Order) error

	// Get loads an aggregate with its items and mirrored tickets' statuses.
	Get(ctx context.Context, id string) (*Order, error)

	// GetByIdempotencyKey finds the order created under a key, if any.
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)

	// Transition moves the order to a new status, CAS on o.Version. The
	// state machine is enforced here as well as in the coordinator.
	Transition(ctx context.Context, o *Order, to Status) error

	// TransitionWithEvent additionally writes an outbox event row in the
	// same transaction as the status change.
	TransitionWithEvent(ctx context.Context, o *Order, to Status, event *outbox.Event) error

	// SetPaymentRef records the external payment reference, CAS on version.
	SetPaymentRef(ctx context.Context, o *Order, ref string) error

	// SaveTicket mirrors a reservation ticket locally for compensation
	// bookkeeping. Idempotent per reservation id.
	SaveTicket(ctx context.Context, orderID string, t inventory.Ticket) error

	// MarkTicketReleased flips a mirrored ticket to RELEASED. Idempotent.
	MarkTicketReleased(ctx context.Context, orderID, reservationID string) error

	// TicketsForOrder returns the mirrored tickets, creation order.
	TicketsForOrder(ctx context.Context, orderID string) ([]inventory.Ticket, error)

	// MarkNeedsReconciliation flags the order for manual/async review
	// without touching its status.
	MarkNeedsReconciliation(ctx context.Context, orderID, reason string) error

	// ListStuck returns non-terminal orders not updated since the cutoff,
	// oldest first. Used by the reconciler to re-derive truth after crashes.
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*Order, error)
}
