// Package retry runs calls to external services with bounded attempts,
// linear backoff and a deadline per attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notesrag/types"
)

type Policy struct {
	Attempts int           // total tries, at least 1
	Backoff  time.Duration // sleep before try n is (n-1)*Backoff
	Timeout  time.Duration // per attempt, 0 means no extra deadline
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Backoff:  300 * time.Millisecond,
		Timeout:  30 * time.Second,
	}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// used up or ctx is done. fn receives a context carrying the per-attempt
// deadline; an attempt that runs out of time is retried.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*p.Backoff); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := call(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		if !Retryable(err) {
			return err
		}
	}

	if p.Attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", p.Attempts, lastErr)
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Retryable reports whether another attempt could succeed. Input errors and
// index/model mismatches are permanent; everything else, including
// timeouts, is treated as transient.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, types.ErrEmptyInput),
		errors.Is(err, types.ErrInvalidQuery),
		errors.Is(err, types.ErrDimensionMismatch),
		errors.Is(err, types.ErrNoteNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
