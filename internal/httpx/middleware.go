package httpx

import (
	"context"
	"net/http"
)

// contextKey is an unexported type for context keys in this package, so
// values set here cannot collide with other packages.
type contextKey string

const (
	// HeaderIdempotencyKey is the client-supplied token that makes
	// CreateOrder safe to retry.
	HeaderIdempotencyKey = "X-Idempotency-Key"

	// ContextKeyIdempotencyKey carries the extracted header value.
	ContextKeyIdempotencyKey contextKey = "idempotency-key"
)

// ExtractIdempotencyKey copies the X-Idempotency-Key header into the
// request context so handlers read it the same way whatever transport
// carried it.
func ExtractIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		ctx := context.WithValue(r.Context(), ContextKeyIdempotencyKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
