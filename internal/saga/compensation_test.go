package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnwindRunsInReverseOrder(t *testing.T) {
	stack := &CompensationStack{}
	var ran []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		stack.Push(name, func(ctx context.Context) error {
			ran = append(ran, name)
			return nil
		})
	}
	require.Equal(t, 3, stack.Len())

	failures := stack.Unwind(context.Background())
	require.Empty(t, failures)
	require.Equal(t, []string{"third", "second", "first"}, ran)
	require.Zero(t, stack.Len())
}

func TestUnwindRetriesTransientFailures(t *testing.T) {
	stack := &CompensationStack{}
	calls := 0
	stack.Push("flaky release", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "inventory temporarily unavailable")
		}
		return nil
	})

	failures := stack.Unwind(context.Background())
	require.Empty(t, failures)
	require.Equal(t, 3, calls)
}

func TestUnwindDoesNotRetryTerminalFailures(t *testing.T) {
	stack := &CompensationStack{}
	calls := 0
	boom := errors.New("reservation already consumed")
	stack.Push("release", func(ctx context.Context) error {
		calls++
		return boom
	})

	failures := stack.Unwind(context.Background())
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], boom)
	require.Equal(t, 1, calls)
}

func TestUnwindCollectsFailuresAndKeepsGoing(t *testing.T) {
	stack := &CompensationStack{}
	var ran []string

	stack.Push("release bookA", func(ctx context.Context) error {
		ran = append(ran, "bookA")
		return nil
	})
	stack.Push("release bookB", func(ctx context.Context) error {
		ran = append(ran, "bookB")
		return errors.New("gone")
	})

	failures := stack.Unwind(context.Background())
	require.Len(t, failures, 1)
	require.Contains(t, failures[0].Error(), "release bookB")

	// The failure did not stop the earlier compensation from running.
	require.Equal(t, []string{"bookB", "bookA"}, ran)
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("insufficient stock")))
	require.False(t, IsTransient(status.Error(codes.InvalidArgument, "bad request")))
	require.True(t, IsTransient(status.Error(codes.Unavailable, "down")))
	require.True(t, IsTransient(status.Error(codes.DeadlineExceeded, "slow")))
	require.True(t, IsTransient(status.Error(codes.ResourceExhausted, "throttled")))
	require.True(t, IsTransient(context.DeadlineExceeded))
}
