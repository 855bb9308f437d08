package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StubClient is an in-memory inventory adapter used in local runs and
// tests. It mirrors the behaviour the real service guarantees: serialized
// stock mutation, idempotent reservation per (order, product), and
// idempotent release.
type StubClient struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]Ticket // keyed by orderID+"/"+productID
	byID         map[string]string // reservationID → reservation key
	outages      int               // remaining calls to fail with Unavailable
}

// NewStubClient seeds the stub with initial per-product stock.
func NewStubClient(stock map[string]int) *StubClient {
	s := &StubClient{
		stock:        make(map[string]int, len(stock)),
		reservations: make(map[string]Ticket),
		byID:         make(map[string]string),
	}
	for id, qty := range stock {
		s.stock[id] = qty
	}
	return s
}

// SetStock replaces the available quantity for a product.
func (s *StubClient) SetStock(productID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = quantity
}

// FailNext makes the next n calls fail with a transient transport error.
func (s *StubClient) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outages = n
}

func (s *StubClient) Reserve(ctx context.Context, productID string, quantity int, orderID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outages > 0 {
		s.outages--
		return Ticket{}, status.Error(codes.Unavailable, "inventory temporarily unavailable")
	}

	key := orderID + "/" + productID
	if existing, ok := s.reservations[key]; ok && existing.Status == TicketHeld {
		return existing, nil
	}

	available, ok := s.stock[productID]
	if !ok || available < quantity {
		slog.InfoContext(ctx, "reservation denied",
			"product_id", productID, "requested", quantity, "available", available)
		return Ticket{}, fmt.Errorf("reserve %d of %s: %w", quantity, productID, ErrInsufficientStock)
	}

	s.stock[productID] = available - quantity
	ticket := Ticket{
		ReservationID: uuid.NewString(),
		ProductID:     productID,
		Quantity:      quantity,
		Status:        TicketHeld,
	}
	s.reservations[key] = ticket
	s.byID[ticket.ReservationID] = key
	return ticket, nil
}

func (s *StubClient) Release(ctx context.Context, ticket Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outages > 0 {
		s.outages--
		return status.Error(codes.Unavailable, "inventory temporarily unavailable")
	}

	key, ok := s.byID[ticket.ReservationID]
	if !ok {
		// Unknown or already swept reservation: releasing is a no-op.
		return nil
	}
	held := s.reservations[key]
	if held.Status == TicketReleased {
		return nil
	}
	held.Status = TicketReleased
	s.reservations[key] = held
	s.stock[held.ProductID] += held.Quantity
	return nil
}

// Stock returns the currently available quantity, for assertions in tests.
func (s *StubClient) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID]
}

// HeldFor returns the number of HELD tickets for an order.
func (s *StubClient) HeldFor(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, t := range s.reservations {
		if t.Status == TicketHeld && len(key) > len(orderID) && key[:len(orderID)] == orderID {
			n++
		}
	}
	return n
}
