// Package inventory defines the contract with the external inventory
// service. Per-product stock is owned and serialized by that service; a
// reservation denial is a normal, expected outcome, not a bug.
package inventory

import (
	"context"
	"errors"
)

// TicketStatus is the lifecycle of a reservation ticket.
type TicketStatus string

const (
	TicketHeld     TicketStatus = "HELD"
	TicketReleased TicketStatus = "RELEASED"
)

// ErrInsufficientStock is the terminal rejection for a reservation. It is
// never retried; the saga compensates and fails the order instead.
var ErrInsufficientStock = errors.New("inventory: insufficient stock")

// Ticket represents inventory held against an order. The ReservationID is
// opaque and issued by the inventory service. A HELD ticket tied to a
// CONFIRMED order is permanent until fulfillment.
type Ticket struct {
	ReservationID string
	ProductID     string
	Quantity      int
	Status        TicketStatus
}

// Client is the typed adapter to the inventory service.
type Client interface {
	// Reserve holds quantity units of a product against an order. Repeating
	// the call for the same (orderID, productID) returns the original ticket
	// instead of double-reserving.
	Reserve(ctx context.Context, productID string, quantity int, orderID string) (Ticket, error)

	// Release frees a held ticket. Releasing an already-released ticket
	// succeeds as a no-op, so compensations can run more than once.
	Release(ctx context.Context, ticket Ticket) error
}
