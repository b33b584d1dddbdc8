package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports an operation that outlived its own deadline while the
// caller's context was still live. It unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no answer within %v", e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// WithTimeout runs fn under a deadline of limit. fn must honour its context;
// it runs on the calling goroutine so anything it writes is visible once
// WithTimeout returns. A non-positive limit runs fn under ctx unchanged.
//
// A failure after the deadline fired is reported as a *TimeoutError.
// Cancellation of ctx itself is returned as ctx.Err(), wrapped with op.
func WithTimeout(ctx context.Context, limit time.Duration, op string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	opCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Limit: limit}
	}
	return err
}
