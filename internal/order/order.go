// Package order defines the Order aggregate and its state machine.
//
// An Order is the aggregate root of a checkout saga execution. Line items
// carry a catalog snapshot (title and unit price at order time) that is never
// re-read later, so historical orders stay stable when the catalog changes.
package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LineItem is one ordered product, embedded in an Order.
// Invariant: LineTotal == UnitPrice * Quantity.
type LineItem struct {
	ProductID string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Order is the aggregate root.
// Invariant: TotalAmount == sum(LineTotal) + TaxAmount + ShippingAmount.
// Version strictly increases on every persisted mutation (optimistic CAS).
type Order struct {
	ID                  string
	CustomerID          string
	ShippingAddressRef  string
	Items               []LineItem
	Status              Status
	TotalAmount         decimal.Decimal
	TaxAmount           decimal.Decimal
	ShippingAmount      decimal.Decimal
	Version             int64
	PaymentRef          string // empty until a charge succeeds
	IdempotencyKey      string
	FailureReason       string
	NeedsReconciliation bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewItem builds a line item and derives its total from the price snapshot.
func NewItem(productID, title string, quantity int, unitPrice decimal.Decimal) LineItem {
	return LineItem{
		ProductID: productID,
		Title:     title,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
	}
}

// New validates the inputs and assembles an Order in StatusCreated with its
// totals computed from the line items.
func New(customerID, shippingAddressRef, idempotencyKey string, items []LineItem, tax, shipping decimal.Decimal) (*Order, error) {
	if customerID == "" {
		return nil, &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if idempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if tax.IsNegative() || shipping.IsNegative() {
		return nil, &ValidationError{Field: "amounts", Reason: "tax and shipping must not be negative"}
	}

	total := tax.Add(shipping)
	for _, it := range items {
		if it.ProductID == "" {
			return nil, &ValidationError{Field: "items.product_id", Reason: "required"}
		}
		if it.Quantity <= 0 {
			return nil, &ValidationError{Field: "items.quantity", Reason: "must be positive"}
		}
		if it.UnitPrice.IsNegative() {
			return nil, &ValidationError{Field: "items.unit_price", Reason: "must not be negative"}
		}
		if !it.LineTotal.Equal(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))) {
			return nil, &ValidationError{Field: "items.line_total", Reason: "does not match unit_price * quantity"}
		}
		total = total.Add(it.LineTotal)
	}

	now := time.Now().UTC()
	return &Order{
		ID:                 uuid.NewString(),
		CustomerID:         customerID,
		ShippingAddressRef: shippingAddressRef,
		Items:              items,
		Status:             StatusCreated,
		TotalAmount:        total,
		TaxAmount:          tax,
		ShippingAmount:     shipping,
		Version:            1,
		IdempotencyKey:     idempotencyKey,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// ItemsTotal returns the sum of the line totals, excluding tax and shipping.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.LineTotal)
	}
	return sum
}
