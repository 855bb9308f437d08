package saga

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// IsTransient classifies a dependency error as retryable. Network timeouts
// and server-side outages are transient; everything else — including
// business rejections like insufficient stock — is terminal and must never
// be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal, codes.Aborted:
			return true
		}
	}
	return false
}

// callBounded runs fn with a per-attempt timeout and retries transient
// failures up to maxRetries times. Terminal errors abort immediately.
func callBounded(ctx context.Context, timeout time.Duration, maxRetries uint64, fn func(ctx context.Context) error) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxElapsedTime(0),
		), maxRetries),
		ctx,
	)
	return backoff.Retry(op, policy)
}
