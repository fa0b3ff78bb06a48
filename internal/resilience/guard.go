package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// ErrCallTimeout is returned when a guarded call outlives its deadline.
var ErrCallTimeout = eris.New("resilience: call timed out")

// PanicError carries a panic recovered from a guarded call.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("resilience: call panicked: %v", e.Value)
}

// Call runs fn through cb with a deadline of timeout (none when zero). It
// returns when fn does or when the deadline passes, whichever is first, so a
// dependency that ignores its context still cannot hold the caller. Timeouts
// and panics count as breaker failures.
func Call[T any](ctx context.Context, cb *CircuitBreaker, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return ExecuteVal(ctx, cb, func(ctx context.Context) (T, error) {
		return bounded(ctx, timeout, fn)
	})
}

type outcome[T any] struct {
	val T
	err error
}

func bounded[T any](parent context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{val: zero, err: &PanicError{Value: r}}
			}
		}()
		v, err := fn(ctx)
		done <- outcome[T]{val: v, err: err}
	}()

	var zero T
	select {
	case o := <-done:
		if o.err != nil && parent.Err() == nil && ctx.Err() == context.DeadlineExceeded {
			return zero, eris.Wrapf(ErrCallTimeout, "after %s", timeout)
		}
		return o.val, o.err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return zero, err
		}
		return zero, eris.Wrapf(ErrCallTimeout, "after %s", timeout)
	}
}
