// Package payment defines the contract with the external payment service.
//
// UNKNOWN is a first-class charge outcome, distinct from DECLINED: it means
// retries were exhausted without a definitive answer and the truth must be
// recovered later via GetStatus. Conflating the two would either double-
// charge (treating UNKNOWN as DECLINED and retrying with a new key) or lose
// money (cancelling an order that was actually charged).
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is the outcome of a charge or a status poll.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusDeclined  Status = "DECLINED"
	StatusUnknown   Status = "UNKNOWN"
	// StatusStillProcessing is only returned by GetStatus while the provider
	// has not settled the charge either way.
	StatusStillProcessing Status = "STILL_PROCESSING"
)

// Result is the provider's answer for a charge attempt. Ref is the external
// payment reference, present only on success. Reason carries the decline
// reason verbatim.
type Result struct {
	Status Status
	Ref    string
	Reason string
}

// Client is the typed adapter to the payment service.
type Client interface {
	// Charge attempts to capture amount against the given idempotency key.
	// The provider deduplicates by key: repeating a charge with a key it has
	// already settled returns the original result. Transport failures are
	// returned as errors; an explicit decline is a Result, not an error.
	Charge(ctx context.Context, idempotencyKey string, amount decimal.Decimal, method string) (Result, error)

	// GetStatus polls the definitive outcome for a key. Used by
	// reconciliation to resolve UNKNOWN charge attempts.
	GetStatus(ctx context.Context, idempotencyKey string) (Result, error)
}
