// Package sqlite provides the SQLite-backed order store.
//
// WAL mode is enabled on Open so readers never block the saga goroutines
// writing state transitions. Amounts are stored as decimal TEXT, timestamps
// as RFC3339 TEXT (SQLite idiom). The outbox table lives in the same
// database so event rows commit in the same transaction as the state change
// they describe.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jcmexdev/checkout-sagas/internal/inventory"
	"github.com/jcmexdev/checkout-sagas/internal/order"
	"github.com/jcmexdev/checkout-sagas/internal/outbox"

	// Register the pure-Go SQLite driver. modernc.org/sqlite avoids CGO, so
	// the service builds on Alpine images without a C toolchain.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    id                   TEXT PRIMARY KEY,
    customer_id          TEXT NOT NULL,
    shipping_address_ref TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    total_amount         TEXT NOT NULL,
    tax_amount           TEXT NOT NULL,
    shipping_amount      TEXT NOT NULL,
    version              INTEGER NOT NULL,
    payment_ref          TEXT NOT NULL DEFAULT '',
    idempotency_key      TEXT NOT NULL,
    failure_reason       TEXT NOT NULL DEFAULT '',
    needs_reconciliation INTEGER NOT NULL DEFAULT 0,
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idempotency_key
    ON orders(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_orders_status_updated
    ON orders(status, updated_at);

CREATE TABLE IF NOT EXISTS order_items (
    order_id   TEXT NOT NULL REFERENCES orders(id),
    idx        INTEGER NOT NULL,
    product_id TEXT NOT NULL,
    title      TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    unit_price TEXT NOT NULL,
    line_total TEXT NOT NULL,
    PRIMARY KEY (order_id, idx)
);

-- Local mirror of reservation tickets, kept for compensation bookkeeping.
-- The inventory service owns the truth; this table lets the reconciler
-- release holds for orders that died mid-saga.
CREATE TABLE IF NOT EXISTS reservation_tickets (
    reservation_id TEXT PRIMARY KEY,
    order_id       TEXT NOT NULL REFERENCES orders(id),
    product_id     TEXT NOT NULL,
    quantity       INTEGER NOT NULL,
    status         TEXT NOT NULL,
    created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_order ON reservation_tickets(order_id, created_at);

CREATE TABLE IF NOT EXISTS outbox_events (
    event_id     TEXT PRIMARY KEY,
    order_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    payload      TEXT NOT NULL,
    occurred_at  TEXT NOT NULL,
    delivered_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_undelivered
    ON outbox_events(occurred_at) WHERE delivered_at IS NULL;
`

// Store is the SQLite implementation of order.Store and outbox.Source.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, o *order.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders
				(id, customer_id, shipping_address_ref, status, total_amount, tax_amount,
				 shipping_amount, version, payment_ref, idempotency_key, failure_reason,
				 needs_reconciliation, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.CustomerID, o.ShippingAddressRef, string(o.Status),
			o.TotalAmount.String(), o.TaxAmount.String(), o.ShippingAmount.String(),
			o.Version, o.PaymentRef, o.IdempotencyKey, o.FailureReason,
			boolToInt(o.NeedsReconciliation), formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert order %s: %w", o.ID, err)
		}
		for i, it := range o.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, idx, product_id, title, quantity, unit_price, line_total)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				o.ID, i, it.ProductID, it.Title, it.Quantity, it.UnitPrice.String(), it.LineTotal.String(),
			)
			if err != nil {
				return fmt.Errorf("sqlite: insert item %d of order %s: %w", i, o.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id string) (*order.Order, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	return s.getWhere(ctx, "idempotency_key = ?", key)
}

func (s *Store) getWhere(ctx context.Context, cond string, arg any) (*order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, shipping_address_ref, status, total_amount, tax_amount,
		       shipping_amount, version, payment_ref, idempotency_key, failure_reason,
		       needs_reconciliation, created_at, updated_at
		FROM orders WHERE `+cond, arg)

	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, title, quantity, unit_price, line_total
		FROM order_items WHERE order_id = ? ORDER BY idx`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load items for order %s: %w", o.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var it order.LineItem
		var unitPrice, lineTotal string
		if err := rows.Scan(&it.ProductID, &it.Title, &it.Quantity, &unitPrice, &lineTotal); err != nil {
			return nil, fmt.Errorf("sqlite: scan item for order %s: %w", o.ID, err)
		}
		if it.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, fmt.Errorf("sqlite: parse unit_price %q: %w", unitPrice, err)
		}
		if it.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return nil, fmt.Errorf("sqlite: parse line_total %q: %w", lineTotal, err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) Transition(ctx context.Context, o *order.Order, to order.Status) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.transitionTx(ctx, tx, o, to)
	})
}

func (s *Store) TransitionWithEvent(ctx context.Context, o *order.Order, to order.Status, event *outbox.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.transitionTx(ctx, tx, o, to); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_events (event_id, order_id, event_type, payload, occurred_at)
			VALUES (?, ?, ?, ?, ?)`,
			event.EventID, event.OrderID, string(event.Type), string(event.Payload),
			formatTime(event.OccurredAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert outbox event for order %s: %w", o.ID, err)
		}
		return nil
	})
}

// transitionTx enforces the state machine and performs the version CAS.
// Zero rows affected means another writer got there first.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, o *order.Order, to order.Status) error {
	if !order.CanTransition(o.Status, to) {
		return fmt.Errorf("transition %s → %s: %w", o.Status, to, order.ErrStateConflict)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, version = version + 1, failure_reason = ?, updated_at = ?
		WHERE id = ? AND version = ? AND status = ?`,
		string(to), o.FailureReason, formatTime(now), o.ID, o.Version, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("sqlite: transition order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transition %s → %s at version %d: %w", o.Status, to, o.Version, order.ErrStateConflict)
	}

	o.Status = to
	o.Version++
	o.UpdatedAt = now
	return nil
}

func (s *Store) SetPaymentRef(ctx context.Context, o *order.Order, ref string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_ref = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		ref, formatTime(now), o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set payment ref on order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("set payment ref at version %d: %w", o.Version, order.ErrStateConflict)
	}
	o.PaymentRef = ref
	o.Version++
	o.UpdatedAt = now
	return nil
}

func (s *Store) SaveTicket(ctx context.Context, orderID string, t inventory.Ticket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservation_tickets (reservation_id, order_id, product_id, quantity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(reservation_id) DO NOTHING`,
		t.ReservationID, orderID, t.ProductID, t.Quantity, string(t.Status),
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save ticket %s: %w", t.ReservationID, err)
	}
	return nil
}

func (s *Store) MarkTicketReleased(ctx context.Context, orderID, reservationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reservation_tickets SET status = ?
		WHERE reservation_id = ? AND order_id = ?`,
		string(inventory.TicketReleased), reservationID, orderID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark ticket %s released: %w", reservationID, err)
	}
	return nil
}

func (s *Store) TicketsForOrder(ctx context.Context, orderID string) ([]inventory.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reservation_id, product_id, quantity, status
		FROM reservation_tickets WHERE order_id = ? ORDER BY created_at, reservation_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tickets for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var tickets []inventory.Ticket
	for rows.Next() {
		var t inventory.Ticket
		var st string
		if err := rows.Scan(&t.ReservationID, &t.ProductID, &t.Quantity, &st); err != nil {
			return nil, err
		}
		t.Status = inventory.TicketStatus(st)
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *Store) MarkNeedsReconciliation(ctx context.Context, orderID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET needs_reconciliation = 1, failure_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		reason, formatTime(time.Now().UTC()), orderID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: flag order %s for reconciliation: %w", orderID, err)
	}
	return nil
}

func (s *Store) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM orders
		WHERE status NOT IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		string(order.StatusConfirmed), string(order.StatusCancelled), string(order.StatusFailed),
		formatTime(updatedBefore), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stuck orders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orders := make([]*order.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// FetchUndelivered implements outbox.Source.
func (s *Store) FetchUndelivered(ctx context.Context, limit int) ([]*outbox.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, order_id, event_type, payload, occurred_at
		FROM outbox_events WHERE delivered_at IS NULL
		ORDER BY occurred_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: fetch undelivered events: %w", err)
	}
	defer rows.Close()

	var events []*outbox.Event
	for rows.Next() {
		var e outbox.Event
		var eventType, payload, occurredAt string
		if err := rows.Scan(&e.EventID, &e.OrderID, &eventType, &payload, &occurredAt); err != nil {
			return nil, err
		}
		e.Type = outbox.EventType(eventType)
		e.Payload = json.RawMessage(payload)
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkDelivered implements outbox.Source.
func (s *Store) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events SET delivered_at = ? WHERE event_id = ? AND delivered_at IS NULL`,
		formatTime(at), eventID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark event %s delivered: %w", eventID, err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*order.Order, error) {
	var o order.Order
	var status, total, tax, shipping, createdAt, updatedAt string
	var needsReconciliation int

	err := row.Scan(
		&o.ID, &o.CustomerID, &o.ShippingAddressRef, &status, &total, &tax,
		&shipping, &o.Version, &o.PaymentRef, &o.IdempotencyKey, &o.FailureReason,
		&needsReconciliation, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan order: %w", err)
	}

	o.Status = order.Status(status)
	o.NeedsReconciliation = needsReconciliation != 0
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("sqlite: parse total_amount %q: %w", total, err)
	}
	if o.TaxAmount, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("sqlite: parse tax_amount %q: %w", tax, err)
	}
	if o.ShippingAmount, err = decimal.NewFromString(shipping); err != nil {
		return nil, fmt.Errorf("sqlite: parse shipping_amount %q: %w", shipping, err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// formatTime stores timestamps as fixed-width RFC3339 TEXT so string order
// equals time order in SQL comparisons and ORDER BY clauses.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
