package order

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an order id or idempotency key has no row.
var ErrNotFound = errors.New("order: not found")

// ErrStateConflict signals either an illegal state machine transition or a
// version CAS miss (another writer mutated the order concurrently). The
// caller must reload and re-evaluate rather than blindly retry the write.
var ErrStateConflict = errors.New("order: state conflict")

// ValidationError reports malformed input. No side effects were attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ConflictError reports an idempotency key reused with a different payload.
// No side effects were attempted beyond the claim check itself.
type ConflictError struct {
	IdempotencyKey string
	Reason         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on idempotency key %s: %s", e.IdempotencyKey, e.Reason)
}

// InsufficientInventoryError is a terminal dependency failure: one of the
// line items could not be reserved. Reservations made before the failing
// item have been released.
type InsufficientInventoryError struct {
	ProductID string
	Requested int
}

func (e *InsufficientInventoryError) Error() string {
	if e.Requested > 0 {
		return fmt.Sprintf("insufficient inventory for product %s (requested %d)", e.ProductID, e.Requested)
	}
	return fmt.Sprintf("insufficient inventory for product %s", e.ProductID)
}

// PaymentDeclinedError is a terminal dependency failure: the payment
// provider explicitly declined the charge. All reservations have been
// released and the order is CANCELLED.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}
