package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesrag/types"
)

var fast = Policy{Attempts: 3, Backoff: time.Millisecond, Timeout: time.Second}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("embed: %w", types.ErrModelUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(ctx context.Context) error {
		calls++
		return types.ErrModelUnavailable
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrModelUnavailable)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorsStopImmediately(t *testing.T) {
	for _, perm := range []error{
		types.ErrEmptyInput,
		types.ErrInvalidQuery,
		types.ErrNoteNotFound,
		types.DimensionError("embedding", 3, 4),
	} {
		t.Run(perm.Error(), func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast, func(ctx context.Context) error {
				calls++
				return perm
			})
			assert.ErrorIs(t, err, perm)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_TimeoutIsRetried(t *testing.T) {
	p := Policy{Attempts: 2, Backoff: time.Millisecond, Timeout: 20 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_CallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 5, Backoff: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fast, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{types.ErrModelUnavailable, true},
		{context.DeadlineExceeded, true},
		{errors.New("connection reset"), true},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", types.ErrEmptyInput), false},
		{types.ErrDimensionMismatch, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), "%v", tt.err)
	}
}
