// Package saga orchestrates the distributed order-placement saga: inventory
// reservation, payment charge, and order confirmation across independently
// owned services, with idempotent retries and failure compensation.
//
// There is no two-phase commit. Cross-service atomicity is replaced by a
// compensation stack: each forward action pushes its idempotent inverse,
// and any abort unwinds the stack in reverse order. Local state is always
// persisted before the next external call, so a crash never leaves an
// external side effect unaccounted for locally.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/checkout-sagas/internal/idempotency"
	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	"github.com/jcmexdev/checkout-sagas/internal/order"
	"github.com/jcmexdev/checkout-sagas/internal/outbox"
	"github.com/jcmexdev/checkout-sagas/internal/payment"
)

// Config bounds the coordinator's external calls.
type Config struct {
	// ChargeTimeout is the per-attempt deadline for external calls.
	ChargeTimeout time.Duration
	// ChargeRetries is the number of retries after the first attempt,
	// transient failures only. The same idempotency key is reused on every
	// attempt so the provider deduplicates.
	ChargeRetries uint64
}

// DefaultConfig matches the documented defaults: 5s per call, 2 retries.
func DefaultConfig() Config {
	return Config{
		ChargeTimeout: 5 * time.Second,
		ChargeRetries: 2,
	}
}

// Coordinator executes CreateOrder end to end. Each invocation runs as an
// independent unit of work; the only shared mutable resource is per-product
// inventory, owned and serialized by the inventory service.
type Coordinator struct {
	orders    order.Store
	idem      idempotency.Store
	inventory inventory.Client
	payments  payment.Client
	cfg       Config
	tracer    trace.Tracer
}

// NewCoordinator wires a coordinator over its four collaborators.
func NewCoordinator(orders order.Store, idem idempotency.Store, inv inventory.Client, pay payment.Client, cfg Config) *Coordinator {
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = DefaultConfig().ChargeTimeout
	}
	return &Coordinator{
		orders:    orders,
		idem:      idem,
		inventory: inv,
		payments:  pay,
		cfg:       cfg,
		tracer:    otel.Tracer("checkout-sagas/saga"),
	}
}

// ItemRequest is one requested line item. Title and UnitPrice are the
// catalog snapshot captured by the caller at checkout time.
type ItemRequest struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateOrderRequest is the coordinator's input. The idempotency key is
// excluded from the payload hash: two calls with the same key must present
// the same payload, the key itself is the lookup, not the content.
type CreateOrderRequest struct {
	CustomerID         string          `json:"customer_id"`
	ShippingAddressRef string          `json:"shipping_address_ref"`
	PaymentMethod      string          `json:"payment_method"`
	Items              []ItemRequest   `json:"items"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	ShippingAmount     decimal.Decimal `json:"shipping_amount"`
	IdempotencyKey     string          `json:"-"`
}

// Result is the synchronous outcome of CreateOrder. Pending marks the
// PendingVerification case: the payment outcome is not yet known, the order
// stays in CHARGING, and the caller must poll GetOrderStatus.
type Result struct {
	OrderID     string
	Status      order.Status
	TotalAmount decimal.Decimal
	Pending     bool
}

// Failure-reason prefixes persisted on the order; the resume path maps them
// back to the original error.
const (
	reasonInsufficientStock = "insufficient_inventory"
	reasonPaymentDeclined   = "payment_declined"
	reasonDependency        = "dependency_failure"
)

// cachedOutcome is the response stored in the idempotency record. It holds
// everything needed to replay the original return value verbatim.
type cachedOutcome struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	TotalAmount string `json:"total_amount"`
	ErrorCode   string `json:"error_code,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// CreateOrder runs the saga. Outcomes:
//   - success: order CONFIRMED, result cached under the idempotency key
//   - insufficient stock: reservations released, order FAILED
//   - explicit decline: reservations released, order CANCELLED
//   - unknown payment outcome: order left in CHARGING, Pending result;
//     the reconciler resolves it once the provider gives a definitive answer
func (c *Coordinator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "saga.CreateOrder",
		trace.WithAttributes(attribute.String("idempotency_key", req.IdempotencyKey)))
	defer span.End()

	o, err := c.buildOrder(req)
	if err != nil {
		return nil, err
	}

	requestHash, err := idempotency.HashRequest(req)
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}

	claim, err := c.idem.Claim(ctx, req.IdempotencyKey, idempotency.ScopeCreateOrder, requestHash)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	switch claim.Outcome {
	case idempotency.ReturnCached:
		return c.replayOutcome(claim.Response)
	case idempotency.Conflict:
		return nil, &order.ConflictError{
			IdempotencyKey: req.IdempotencyKey,
			Reason:         "key is already in use with a different payload or an attempt is in flight",
		}
	}

	// A prior attempt may have crashed after persisting the order but
	// before committing its result. Resume from what the store says rather
	// than creating a duplicate aggregate.
	if existing, err := c.orders.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return c.resume(ctx, existing)
	} else if !errors.Is(err, order.ErrNotFound) {
		return nil, fmt.Errorf("look up existing order: %w", err)
	}

	return c.execute(ctx, o)
}

// GetOrderStatus returns the current status and version of an order.
func (c *Coordinator) GetOrderStatus(ctx context.Context, orderID string) (order.Status, int64, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return "", 0, err
	}
	return o.Status, o.Version, nil
}

// GetOrder loads the full aggregate, for the read endpoint.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return c.orders.Get(ctx, orderID)
}

func (c *Coordinator) buildOrder(req CreateOrderRequest) (*order.Order, error) {
	items := make([]order.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, order.NewItem(it.ProductID, it.Title, it.Quantity, it.UnitPrice))
	}
	return order.New(req.CustomerID, req.ShippingAddressRef, req.IdempotencyKey, items, req.TaxAmount, req.ShippingAmount)
}

// execute runs steps 2–5 of the saga for a freshly claimed request.
func (c *Coordinator) execute(ctx context.Context, o *order.Order) (*Result, error) {
	log := slog.With("order_id", o.ID, "idempotency_key", o.IdempotencyKey)

	if err := c.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	if err := c.orders.Transition(ctx, o, order.StatusReserving); err != nil {
		return nil, err
	}

	comps := &CompensationStack{}

	// Reserve line items in index order; each success pushes its release
	// and is mirrored locally before the next external call goes out.
	for _, item := range o.Items {
		ticket, err := c.reserve(ctx, o.ID, item)
		if err != nil {
			log.InfoContext(ctx, "reservation failed, unwinding", "product_id", item.ProductID, "error", err)
			return c.failReservation(ctx, o, comps, item, err)
		}
		if err := c.orders.SaveTicket(ctx, o.ID, ticket); err != nil {
			savedErr := fmt.Errorf("mirror ticket %s: %w", ticket.ReservationID, err)
			return c.failReservation(ctx, o, comps, item, savedErr)
		}
		comps.Push("release "+item.ProductID, c.releaseFunc(o.ID, ticket))
	}

	if err := c.orders.Transition(ctx, o, order.StatusReserved); err != nil {
		return nil, err
	}
	if err := c.orders.Transition(ctx, o, order.StatusCharging); err != nil {
		return nil, err
	}

	res := c.charge(ctx, o)
	switch res.Status {
	case payment.StatusSucceeded:
		return c.confirm(ctx, o, res.Ref)

	case payment.StatusDeclined:
		log.InfoContext(ctx, "payment declined, unwinding", "reason", res.Reason)
		c.unwind(ctx, o, comps)
		o.FailureReason = reason(reasonPaymentDeclined, res.Reason)
		if err := c.cancel(ctx, o, res.Reason); err != nil {
			return nil, err
		}
		c.commitOutcome(ctx, o, reasonPaymentDeclined, res.Reason)
		return nil, &order.PaymentDeclinedError{Reason: res.Reason}

	default:
		// UNKNOWN: do not compensate — the charge may have gone through.
		// The order stays in CHARGING and reconciliation resolves it; the
		// idempotency record stays IN_FLIGHT so concurrent duplicates keep
		// conflicting until there is a definitive answer.
		log.WarnContext(ctx, "payment outcome unknown, order left for reconciliation")
		return &Result{OrderID: o.ID, Status: o.Status, TotalAmount: o.TotalAmount, Pending: true}, nil
	}
}

func (c *Coordinator) reserve(ctx context.Context, orderID string, item order.LineItem) (inventory.Ticket, error) {
	var ticket inventory.Ticket
	err := callBounded(ctx, c.cfg.ChargeTimeout, c.cfg.ChargeRetries, func(ctx context.Context) error {
		t, err := c.inventory.Reserve(ctx, item.ProductID, item.Quantity, orderID)
		if err != nil {
			return err
		}
		ticket = t
		return nil
	})
	return ticket, err
}

// charge calls the payment service with a bounded timeout and at most
// ChargeRetries retries, always with the order's idempotency key. An
// explicit decline is never retried. Exhausted transient failures come back
// as UNKNOWN — a first-class outcome, not an error.
func (c *Coordinator) charge(ctx context.Context, o *order.Order) payment.Result {
	var res payment.Result
	err := callBounded(ctx, c.cfg.ChargeTimeout, c.cfg.ChargeRetries, func(ctx context.Context) error {
		r, err := c.payments.Charge(ctx, o.IdempotencyKey, o.TotalAmount, "")
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return payment.Result{Status: payment.StatusUnknown}
	}
	return res
}

// confirm finishes the happy path: PAID, then CONFIRMED with the
// confirmation event in the same transaction, then the cached success.
func (c *Coordinator) confirm(ctx context.Context, o *order.Order, paymentRef string) (*Result, error) {
	if err := c.orders.SetPaymentRef(ctx, o, paymentRef); err != nil {
		return nil, err
	}
	if err := c.orders.Transition(ctx, o, order.StatusPaid); err != nil {
		return nil, err
	}
	event, err := outbox.NewEvent(o.ID, outbox.EventOrderConfirmed, eventPayload(o, order.StatusConfirmed, ""))
	if err != nil {
		return nil, err
	}
	if err := c.orders.TransitionWithEvent(ctx, o, order.StatusConfirmed, event); err != nil {
		return nil, err
	}
	c.commitOutcome(ctx, o, "", "")
	slog.InfoContext(ctx, "order confirmed", "order_id", o.ID, "total", o.TotalAmount.String())
	return &Result{OrderID: o.ID, Status: o.Status, TotalAmount: o.TotalAmount}, nil
}

// failReservation handles step 3 aborts: release everything reserved so
// far, mark the order FAILED, and cache the outcome. No payment call is
// made on this path.
func (c *Coordinator) failReservation(ctx context.Context, o *order.Order, comps *CompensationStack, item order.LineItem, cause error) (*Result, error) {
	c.unwind(ctx, o, comps)

	code, detail := reasonDependency, cause.Error()
	if errors.Is(cause, inventory.ErrInsufficientStock) {
		// The detail is the product id so replays can rebuild the error.
		code, detail = reasonInsufficientStock, item.ProductID
	}
	o.FailureReason = reason(code, detail)
	if err := c.orders.Transition(ctx, o, order.StatusFailed); err != nil {
		return nil, err
	}
	c.commitOutcome(ctx, o, code, detail)

	if code == reasonInsufficientStock {
		return nil, &order.InsufficientInventoryError{ProductID: item.ProductID, Requested: item.Quantity}
	}
	return nil, fmt.Errorf("reserve %s: %w", item.ProductID, cause)
}

// cancel transitions to CANCELLED and emits the cancellation event in the
// same transaction.
func (c *Coordinator) cancel(ctx context.Context, o *order.Order, declineReason string) error {
	event, err := outbox.NewEvent(o.ID, outbox.EventOrderCancelled, eventPayload(o, order.StatusCancelled, declineReason))
	if err != nil {
		return err
	}
	return c.orders.TransitionWithEvent(ctx, o, order.StatusCancelled, event)
}

// unwind runs the compensation stack. A compensation that still fails after
// its bounded retries flags the order for reconciliation instead of looping
// forever.
func (c *Coordinator) unwind(ctx context.Context, o *order.Order, comps *CompensationStack) {
	if failures := comps.Unwind(ctx); len(failures) > 0 {
		msgs := make([]string, 0, len(failures))
		for _, f := range failures {
			msgs = append(msgs, f.Error())
		}
		if err := c.orders.MarkNeedsReconciliation(ctx, o.ID, strings.Join(msgs, "; ")); err != nil {
			slog.ErrorContext(ctx, "failed to flag order for reconciliation", "order_id", o.ID, "error", err)
		}
		o.Version++ // the flag write bumps the stored version
	}
}

// releaseFunc builds the idempotent compensation for one reservation.
func (c *Coordinator) releaseFunc(orderID string, ticket inventory.Ticket) CompensationFunc {
	return func(ctx context.Context) error {
		if err := c.inventory.Release(ctx, ticket); err != nil {
			return err
		}
		return c.orders.MarkTicketReleased(ctx, orderID, ticket.ReservationID)
	}
}

// commitOutcome caches the terminal result under the idempotency key so
// duplicate calls replay it verbatim. Commit failures are logged, not
// returned: the saga outcome itself is already durable on the order row and
// the resume path can rebuild the response.
func (c *Coordinator) commitOutcome(ctx context.Context, o *order.Order, errorCode, errReason string) {
	body, err := json.Marshal(cachedOutcome{
		OrderID:     o.ID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount.String(),
		ErrorCode:   errorCode,
		Reason:      errReason,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode cached outcome", "order_id", o.ID, "error", err)
		return
	}
	if err := c.idem.Commit(ctx, o.IdempotencyKey, idempotency.ScopeCreateOrder, body); err != nil {
		slog.ErrorContext(ctx, "failed to commit idempotency record", "order_id", o.ID, "error", err)
	}
}

// replayOutcome reconstructs the original return value from a cached
// response, with no side effects.
func (c *Coordinator) replayOutcome(response []byte) (*Result, error) {
	var out cachedOutcome
	if err := json.Unmarshal(response, &out); err != nil {
		return nil, fmt.Errorf("decode cached outcome: %w", err)
	}
	switch out.ErrorCode {
	case "":
		total, err := decimal.NewFromString(out.TotalAmount)
		if err != nil {
			return nil, fmt.Errorf("decode cached total: %w", err)
		}
		return &Result{OrderID: out.OrderID, Status: order.Status(out.Status), TotalAmount: total}, nil
	case reasonInsufficientStock:
		return nil, &order.InsufficientInventoryError{ProductID: out.Reason}
	case reasonPaymentDeclined:
		return nil, &order.PaymentDeclinedError{Reason: out.Reason}
	default:
		return nil, fmt.Errorf("reserve: %s", out.Reason)
	}
}

// resume handles a re-claimed key whose order already exists: a previous
// attempt crashed between persisting state and committing its result.
func (c *Coordinator) resume(ctx context.Context, o *order.Order) (*Result, error) {
	slog.InfoContext(ctx, "resuming interrupted saga", "order_id", o.ID, "status", string(o.Status))

	switch o.Status {
	case order.StatusConfirmed:
		c.commitOutcome(ctx, o, "", "")
		return &Result{OrderID: o.ID, Status: o.Status, TotalAmount: o.TotalAmount}, nil
	case order.StatusCancelled:
		code, detail := splitReason(o.FailureReason)
		c.commitOutcome(ctx, o, code, detail)
		return nil, &order.PaymentDeclinedError{Reason: detail}
	case order.StatusFailed:
		code, detail := splitReason(o.FailureReason)
		c.commitOutcome(ctx, o, code, detail)
		if code == reasonInsufficientStock {
			return nil, &order.InsufficientInventoryError{ProductID: detail}
		}
		return nil, fmt.Errorf("reserve: %s", detail)
	default:
		// Mid-flight: the reconciler owns stuck orders. Report pending and
		// let the caller poll.
		return &Result{OrderID: o.ID, Status: o.Status, TotalAmount: o.TotalAmount, Pending: true}, nil
	}
}

func reason(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}

func splitReason(stored string) (code, detail string) {
	code, detail, found := strings.Cut(stored, ": ")
	if !found {
		return stored, ""
	}
	return code, detail
}

// eventPayload is the business payload embedded in outbox envelopes.
func eventPayload(o *order.Order, status order.Status, cancelReason string) map[string]any {
	p := map[string]any{
		"order_id":     o.ID,
		"customer_id":  o.CustomerID,
		"status":       string(status),
		"total_amount": o.TotalAmount.String(),
	}
	if cancelReason != "" {
		p["reason"] = cancelReason
	}
	return p
}
