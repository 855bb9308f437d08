package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CompensationFunc semantically undoes a previously successful forward
// action. It must be idempotent: reconciliation may run it again.
type CompensationFunc func(ctx context.Context) error

type compensation struct {
	name string
	run  CompensationFunc
}

// CompensationStack is the per-saga-execution undo log. A compensation is
// pushed immediately after its forward action succeeds and the stack is
// unwound in strict reverse order when the saga aborts.
type CompensationStack struct {
	actions []compensation
}

// Push records a compensating action for a completed forward step.
func (s *CompensationStack) Push(name string, fn CompensationFunc) {
	s.actions = append(s.actions, compensation{name: name, run: fn})
}

// Len returns the number of pending compensations.
func (s *CompensationStack) Len() int {
	return len(s.actions)
}

// Unwind pops and executes every compensation in reverse order. Each action
// gets a bounded retry; failures are collected and returned, never
// swallowed and never retried indefinitely inline — the caller flags the
// order for reconciliation instead.
func (s *CompensationStack) Unwind(ctx context.Context) []error {
	var failures []error
	for i := len(s.actions) - 1; i >= 0; i-- {
		action := s.actions[i]
		slog.InfoContext(ctx, "running compensation", "step", action.name)

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(100*time.Millisecond),
				backoff.WithMaxElapsedTime(0),
			), compensationRetries),
			ctx,
		)
		err := backoff.Retry(func() error {
			err := action.run(ctx)
			if err != nil && !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)
		if err != nil {
			slog.ErrorContext(ctx, "compensation failed", "step", action.name, "error", err)
			failures = append(failures, fmt.Errorf("compensate %s: %w", action.name, err))
		}
	}
	s.actions = nil
	return failures
}

// compensationRetries bounds inline compensation retries. Anything still
// failing after this is handed to reconciliation.
const compensationRetries = 3
