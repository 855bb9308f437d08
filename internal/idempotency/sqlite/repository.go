// Package sqlite provides the SQLite-backed idempotency store.
//
// Claim must be atomic: the single writer connection plus an immediate
// transaction serialise concurrent claims on the same key, so exactly one
// caller gets Proceed and the rest see Conflict or the cached result.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/checkout-sagas/internal/idempotency"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    key          TEXT NOT NULL,
    scope        TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    status       TEXT NOT NULL,
    response     TEXT,
    created_at   TEXT NOT NULL,
    expires_at   TEXT NOT NULL,
    PRIMARY KEY (key, scope)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);
`

// Store is the SQLite implementation of idempotency.Store.
type Store struct {
	db         *sql.DB
	ttl        time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the 24h record TTL.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithStaleAfter overrides the 2m abandoned-claim threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	s := &Store{
		db:         db,
		ttl:        idempotency.DefaultTTL,
		staleAfter: idempotency.DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Claim(ctx context.Context, key, scope, requestHash string) (idempotency.Claim, error) {
	var claim idempotency.Claim

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return claim, fmt.Errorf("sqlite: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()

	var (
		storedHash string
		status     string
		response   sql.NullString
		createdAt  string
		expiresAt  string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT request_hash, status, response, created_at, expires_at
		FROM idempotency_records WHERE key = ? AND scope = ?`,
		key, scope,
	).Scan(&storedHash, &status, &response, &createdAt, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := s.insertInFlight(ctx, tx, key, scope, requestHash, now); err != nil {
			return claim, err
		}
		claim.Outcome = idempotency.Proceed
		return claim, tx.Commit()

	case err != nil:
		return claim, fmt.Errorf("sqlite: load idempotency record %s/%s: %w", scope, key, err)
	}

	expiry, err := parseTime(expiresAt)
	if err != nil {
		return claim, err
	}
	if idempotency.RecordStatus(status) == idempotency.StatusComplete && !now.Before(expiry) {
		// Past TTL: the record is eligible for deletion, so treat it as
		// absent and start a fresh execution under this key.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM idempotency_records WHERE key = ? AND scope = ?`, key, scope); err != nil {
			return claim, fmt.Errorf("sqlite: drop expired record %s/%s: %w", scope, key, err)
		}
		if err := s.insertInFlight(ctx, tx, key, scope, requestHash, now); err != nil {
			return claim, err
		}
		claim.Outcome = idempotency.Proceed
		return claim, tx.Commit()
	}

	if storedHash != requestHash {
		claim.Outcome = idempotency.Conflict
		return claim, tx.Commit()
	}

	if idempotency.RecordStatus(status) == idempotency.StatusComplete {
		claim.Outcome = idempotency.ReturnCached
		if response.Valid {
			claim.Response = []byte(response.String)
		}
		return claim, tx.Commit()
	}

	// IN_FLIGHT with matching hash: re-claim only if the previous attempt
	// looks abandoned; otherwise another attempt is actively executing.
	created, err := parseTime(createdAt)
	if err != nil {
		return claim, err
	}
	if now.Sub(created) < s.staleAfter {
		claim.Outcome = idempotency.Conflict
		return claim, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE idempotency_records SET created_at = ?, expires_at = ?
		WHERE key = ? AND scope = ?`,
		formatTime(now), formatTime(now.Add(s.ttl)), key, scope,
	)
	if err != nil {
		return claim, fmt.Errorf("sqlite: re-claim stale record %s/%s: %w", scope, key, err)
	}
	claim.Outcome = idempotency.Proceed
	return claim, tx.Commit()
}

func (s *Store) insertInFlight(ctx context.Context, tx *sql.Tx, key, scope, requestHash string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, scope, request_hash, status, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		key, scope, requestHash, string(idempotency.StatusInFlight),
		formatTime(now), formatTime(now.Add(s.ttl)),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create in-flight record %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, key, scope string, response []byte) error {
	now := s.now()
	// Only an IN_FLIGHT claim can complete; a COMPLETE record is never
	// silently overwritten.
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = ?, response = ?, expires_at = ?
		WHERE key = ? AND scope = ? AND status = ?`,
		string(idempotency.StatusComplete), string(response), formatTime(now.Add(s.ttl)),
		key, scope, string(idempotency.StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("sqlite: commit record %s/%s: %w", scope, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlite: commit record %s/%s: no claim to complete", scope, key)
	}
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired records: %w", err)
	}
	return res.RowsAffected()
}

// formatTime stores timestamps as fixed-width RFC3339 TEXT so string order
// equals time order in the expiry comparison.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", v, err)
	}
	return t, nil
}
