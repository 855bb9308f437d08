package saga

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	"github.com/jcmexdev/checkout-sagas/internal/order"
	"github.com/jcmexdev/checkout-sagas/internal/payment"
)

// eagerReconcilerConfig makes every non-terminal order immediately eligible,
// so tests do not wait out the staleness threshold.
func eagerReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StaleAfter: -time.Second,
		Interval:   time.Hour,
		MaxAge:     24 * time.Hour,
		BatchSize:  10,
	}
}

func newReconciler(env *sagaEnv, cfg ReconcilerConfig) *Reconciler {
	return NewReconciler(env.orders, env.idem, env.inv, env.pay, cfg)
}

// pendingOrder drives a saga into CHARGING with an unresolved charge.
func pendingOrder(t *testing.T, env *sagaEnv, key string) *Result {
	t.Helper()
	env.pay.HoldNext()
	res, err := env.coord.CreateOrder(context.Background(), twoBookRequest(key))
	require.NoError(t, err)
	require.True(t, res.Pending)
	return res
}

func TestSweepConfirmsSettledCharge(t *testing.T) {
	env := newSagaEnv(t, Config{ChargeTimeout: time.Second, ChargeRetries: 0})
	ctx := context.Background()

	res := pendingOrder(t, env, "K1")
	env.pay.Settle("K1", payment.StatusSucceeded, "")

	resolved, err := newReconciler(env, eagerReconcilerConfig()).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	o, err := env.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusConfirmed, o.Status)
	require.NotEmpty(t, o.PaymentRef)

	// The reservations stay consumed: the sale went through.
	require.Equal(t, 3, env.inv.Stock("bookA"))

	// A late duplicate now gets the settled answer from the cache.
	replay, err := env.coord.CreateOrder(ctx, twoBookRequest("K1"))
	require.NoError(t, err)
	require.Equal(t, order.StatusConfirmed, replay.Status)
	require.Equal(t, 1, env.pay.ChargeCalls("K1"))
}

func TestSweepCancelsDeclinedCharge(t *testing.T) {
	env := newSagaEnv(t, Config{ChargeTimeout: time.Second, ChargeRetries: 0})
	ctx := context.Background()

	res := pendingOrder(t, env, "K1")
	env.pay.Settle("K1", payment.StatusDeclined, "suspected_fraud")

	resolved, err := newReconciler(env, eagerReconcilerConfig()).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	o, err := env.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCancelled, o.Status)

	// Holds were released back to stock.
	require.Equal(t, 5, env.inv.Stock("bookA"))
	require.Equal(t, 5, env.inv.Stock("bookB"))

	events, err := env.orders.FetchUndelivered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "order.cancelled", string(events[0].Type))

	var declined *order.PaymentDeclinedError
	_, err = env.coord.CreateOrder(ctx, twoBookRequest("K1"))
	require.ErrorAs(t, err, &declined)
	require.Equal(t, "suspected_fraud", declined.Reason)
}

func TestSweepLeavesUnsettledChargeAlone(t *testing.T) {
	env := newSagaEnv(t, Config{ChargeTimeout: time.Second, ChargeRetries: 0})
	ctx := context.Background()

	res := pendingOrder(t, env, "K1")

	resolved, err := newReconciler(env, eagerReconcilerConfig()).Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, resolved)

	o, err := env.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCharging, o.Status)
	require.False(t, o.NeedsReconciliation)
}

func TestSweepFlagsChargeUnresolvedPastWindow(t *testing.T) {
	env := newSagaEnv(t, Config{ChargeTimeout: time.Second, ChargeRetries: 0})
	ctx := context.Background()

	res := pendingOrder(t, env, "K1")

	cfg := eagerReconcilerConfig()
	cfg.MaxAge = -time.Second // the polling window has already closed

	_, err := newReconciler(env, cfg).Sweep(ctx)
	require.NoError(t, err)

	o, err := env.orders.Get(ctx, res.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCharging, o.Status)
	require.True(t, o.NeedsReconciliation)
}

func TestSweepAbandonsOrderStuckBeforeCharge(t *testing.T) {
	env := newSagaEnv(t, DefaultConfig())
	ctx := context.Background()

	// Simulate a coordinator that died mid-reservation: the order is in
	// RESERVING with one mirrored hold and nothing else.
	o := mustOrder(t, "K1")
	require.NoError(t, env.orders.Create(ctx, o))
	require.NoError(t, env.orders.Transition(ctx, o, order.StatusReserving))

	ticket, err := env.inv.Reserve(ctx, "bookA", 2, o.ID)
	require.NoError(t, err)
	require.NoError(t, env.orders.SaveTicket(ctx, o.ID, ticket))
	require.Equal(t, 3, env.inv.Stock("bookA"))

	resolved, err := newReconciler(env, eagerReconcilerConfig()).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	got, err := env.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, got.Status)
	require.Equal(t, 5, env.inv.Stock("bookA"))

	tickets, err := env.orders.TicketsForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, inventory.TicketReleased, tickets[0].Status)
}

func TestSweepCompletesOrderStuckAfterPayment(t *testing.T) {
	env := newSagaEnv(t, DefaultConfig())
	ctx := context.Background()

	// Simulate a crash between PAID and CONFIRMED.
	o := mustOrder(t, "K1")
	require.NoError(t, env.orders.Create(ctx, o))
	for _, st := range []order.Status{order.StatusReserving, order.StatusReserved, order.StatusCharging, order.StatusPaid} {
		require.NoError(t, env.orders.Transition(ctx, o, st))
	}

	resolved, err := newReconciler(env, eagerReconcilerConfig()).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	got, err := env.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusConfirmed, got.Status)

	events, err := env.orders.FetchUndelivered(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "order.confirmed", string(events[0].Type))
}

func TestSweepSkipsFreshOrders(t *testing.T) {
	env := newSagaEnv(t, DefaultConfig())
	ctx := context.Background()

	o := mustOrder(t, "K1")
	require.NoError(t, env.orders.Create(ctx, o))

	cfg := eagerReconcilerConfig()
	cfg.StaleAfter = time.Hour // nothing is old enough yet

	resolved, err := newReconciler(env, cfg).Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, resolved)

	got, err := env.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusCreated, got.Status)
}

func mustOrder(t *testing.T, key string) *order.Order {
	t.Helper()
	items := []order.LineItem{
		order.NewItem("bookA", "Book A", 2, decimal.NewFromInt(10)),
		order.NewItem("bookB", "Book B", 1, decimal.NewFromInt(15)),
	}
	o, err := order.New("cust-1", "addr-1", key, items, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	return o
}
