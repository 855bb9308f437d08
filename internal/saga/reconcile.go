package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/checkout-sagas/internal/idempotency"
	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	"github.com/jcmexdev/checkout-sagas/internal/order"
	"github.com/jcmexdev/checkout-sagas/internal/outbox"
	"github.com/jcmexdev/checkout-sagas/internal/payment"
)

// ReconcilerConfig bounds the asynchronous reconciliation loop.
type ReconcilerConfig struct {
	// StaleAfter is how long an order may sit in a non-terminal state
	// before the reconciler picks it up.
	StaleAfter time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	// MaxAge is the reconciliation polling window: an order whose payment
	// is still unresolved past this age is flagged for manual review.
	MaxAge time.Duration
	// BatchSize caps how many orders one sweep processes.
	BatchSize int
}

// DefaultReconcilerConfig matches the documented conservative defaults:
// 2 minutes staleness, 30s sweeps, 24h polling window.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StaleAfter: 2 * time.Minute,
		Interval:   30 * time.Second,
		MaxAge:     24 * time.Hour,
		BatchSize:  50,
	}
}

// Reconciler re-derives truth from external systems for orders stuck in a
// non-terminal state: crashed sagas and UNKNOWN payment outcomes. The sweep
// is sequential, so there is exactly one reconciliation attempt per order
// at a time; any race with a live coordinator loses its version CAS and is
// skipped.
type Reconciler struct {
	orders    order.Store
	idem      idempotency.Store
	inventory inventory.Client
	payments  payment.Client
	cfg       ReconcilerConfig
}

// NewReconciler wires a reconciler over the saga's collaborators.
func NewReconciler(orders order.Store, idem idempotency.Store, inv inventory.Client, pay payment.Client, cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReconcilerConfig().BatchSize
	}
	return &Reconciler{orders: orders, idem: idem, inventory: inv, payments: pay, cfg: cfg}
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes one batch of stuck orders and returns how many reached a
// terminal state.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleAfter)
	stuck, err := r.orders.ListStuck(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, o := range stuck {
		if err := r.reconcile(ctx, o); err != nil {
			if errors.Is(err, order.ErrStateConflict) {
				// A live coordinator beat us to it.
				continue
			}
			slog.ErrorContext(ctx, "failed to reconcile order", "order_id", o.ID, "error", err)
			continue
		}
		if o.Status.Terminal() {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Reconciler) reconcile(ctx context.Context, o *order.Order) error {
	slog.InfoContext(ctx, "reconciling stuck order", "order_id", o.ID, "status", string(o.Status))

	switch o.Status {
	case order.StatusCharging:
		return r.resolveCharge(ctx, o)

	case order.StatusPaid:
		// Crashed between PAID and CONFIRMED; the charge is definitely
		// captured, so finish the happy path.
		return r.complete(ctx, o)

	case order.StatusCreated, order.StatusReserving, order.StatusReserved:
		// Crashed before any charge went out (CHARGING is persisted before
		// the first Charge call). Release whatever was held and fail.
		return r.abandon(ctx, o)

	default:
		return nil
	}
}

// resolveCharge polls the payment provider for the definitive outcome of an
// UNKNOWN charge and completes step 5 of the saga accordingly.
func (r *Reconciler) resolveCharge(ctx context.Context, o *order.Order) error {
	var res payment.Result
	err := callBounded(ctx, 5*time.Second, 1, func(ctx context.Context) error {
		pr, err := r.payments.GetStatus(ctx, o.IdempotencyKey)
		if err != nil {
			return err
		}
		res = pr
		return nil
	})
	if err != nil {
		return fmt.Errorf("poll payment status: %w", err)
	}

	switch res.Status {
	case payment.StatusSucceeded:
		if err := r.orders.SetPaymentRef(ctx, o, res.Ref); err != nil {
			return err
		}
		if err := r.orders.Transition(ctx, o, order.StatusPaid); err != nil {
			return err
		}
		return r.complete(ctx, o)

	case payment.StatusDeclined:
		if err := r.releaseHeldTickets(ctx, o); err != nil {
			return err
		}
		o.FailureReason = reason(reasonPaymentDeclined, res.Reason)
		event, err := outbox.NewEvent(o.ID, outbox.EventOrderCancelled, eventPayload(o, order.StatusCancelled, res.Reason))
		if err != nil {
			return err
		}
		if err := r.orders.TransitionWithEvent(ctx, o, order.StatusCancelled, event); err != nil {
			return err
		}
		r.commitOutcome(ctx, o, reasonPaymentDeclined, res.Reason)
		return nil

	default:
		// Still processing. Give the provider the full polling window
		// before handing the order to a human.
		if time.Since(o.CreatedAt) > r.cfg.MaxAge {
			return r.orders.MarkNeedsReconciliation(ctx, o.ID, "payment unresolved past reconciliation window")
		}
		return nil
	}
}

func (r *Reconciler) complete(ctx context.Context, o *order.Order) error {
	event, err := outbox.NewEvent(o.ID, outbox.EventOrderConfirmed, eventPayload(o, order.StatusConfirmed, ""))
	if err != nil {
		return err
	}
	if err := r.orders.TransitionWithEvent(ctx, o, order.StatusConfirmed, event); err != nil {
		return err
	}
	r.commitOutcome(ctx, o, "", "")
	slog.InfoContext(ctx, "order confirmed by reconciliation", "order_id", o.ID)
	return nil
}

func (r *Reconciler) abandon(ctx context.Context, o *order.Order) error {
	if err := r.releaseHeldTickets(ctx, o); err != nil {
		return err
	}
	o.FailureReason = reason(reasonDependency, "abandoned before charge")
	if err := r.orders.Transition(ctx, o, order.StatusFailed); err != nil {
		return err
	}
	r.commitOutcome(ctx, o, reasonDependency, "abandoned before charge")
	return nil
}

// releaseHeldTickets releases every mirrored HELD ticket. Release is
// idempotent on the inventory side, so re-running after a partial failure
// is safe.
func (r *Reconciler) releaseHeldTickets(ctx context.Context, o *order.Order) error {
	tickets, err := r.orders.TicketsForOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	for _, t := range tickets {
		if t.Status != inventory.TicketHeld {
			continue
		}
		err := callBounded(ctx, 5*time.Second, compensationRetries, func(ctx context.Context) error {
			return r.inventory.Release(ctx, t)
		})
		if err != nil {
			if flagErr := r.orders.MarkNeedsReconciliation(ctx, o.ID, "release failed: "+err.Error()); flagErr != nil {
				slog.ErrorContext(ctx, "failed to flag order", "order_id", o.ID, "error", flagErr)
			}
			return fmt.Errorf("release ticket %s: %w", t.ReservationID, err)
		}
		if err := r.orders.MarkTicketReleased(ctx, o.ID, t.ReservationID); err != nil {
			return err
		}
	}
	return nil
}

// commitOutcome mirrors the coordinator's caching of terminal results, so a
// duplicate caller arriving after reconciliation gets the settled answer.
func (r *Reconciler) commitOutcome(ctx context.Context, o *order.Order, errorCode, errReason string) {
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
	if err := r.idem.Commit(ctx, o.IdempotencyKey, idempotency.ScopeCreateOrder, body); err != nil {
		// The claim may have expired or never existed (old crash); the
		// order row already carries the truth.
		slog.WarnContext(ctx, "could not commit reconciled outcome", "order_id", o.ID, "error", err)
	}
}
