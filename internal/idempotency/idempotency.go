// Package idempotency provides the durable key→cached-result map with
// in-flight claiming that makes CreateOrder safe to retry.
//
// At most one record exists per (key, scope). A second caller presenting
// the same key with a different payload hash is a conflict and is never
// silently overwritten. If a process crashes between Claim and Commit the
// record stays IN_FLIGHT until the staleness threshold elapses, after which
// a retry may re-claim and re-execute — which is why every downstream side
// effect must itself be idempotent per the same key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ScopeCreateOrder is the operation scope for the checkout saga.
const ScopeCreateOrder = "orders.create"

// Defaults for the TTL and the abandoned-claim staleness threshold, both
// overridable through config.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultStaleAfter = 2 * time.Minute
)

// RecordStatus is the lifecycle of an idempotency record.
type RecordStatus string

const (
	StatusInFlight RecordStatus = "IN_FLIGHT"
	StatusComplete RecordStatus = "COMPLETE"
)

// Record is the persisted shape, keyed by (key, scope).
type Record struct {
	Key         string
	Scope       string
	RequestHash string
	Status      RecordStatus
	Response    []byte // present only when COMPLETE
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Outcome is the result of a Claim call.
type Outcome int

const (
	// Proceed: the caller owns the claim and must execute the operation.
	Proceed Outcome = iota
	// ReturnCached: a completed record with a matching hash exists; return
	// its response verbatim without side effects.
	ReturnCached
	// Conflict: the key is reused with a different payload, or another
	// attempt is actively in flight.
	Conflict
)

// Claim carries the outcome and, for ReturnCached, the stored response.
type Claim struct {
	Outcome  Outcome
	Response []byte
}

// Store is the idempotency persistence port.
type Store interface {
	// Claim atomically resolves the caller's right to execute. See Outcome.
	Claim(ctx context.Context, key, scope, requestHash string) (Claim, error)

	// Commit transitions IN_FLIGHT→COMPLETE, stores the response, and
	// (re)sets the TTL from commit time.
	Commit(ctx context.Context, key, scope string, response []byte) error

	// DeleteExpired removes records past their TTL. Storage hygiene only;
	// correctness does not depend on it.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// HashRequest fingerprints a request payload for conflict detection.
// Marshalling a struct keeps field order stable, so equal payloads always
// produce equal hashes.
func HashRequest(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
