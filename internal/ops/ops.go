package ops

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"calcrunner/internal/models"
)

// ExecError tags an execution failure with its retry classification. A
// permanent error will not succeed on retry (bad input, unknown operation)
// and must fail the task immediately; anything else is worth retrying.
type ExecError struct {
	Err       error
	Transient bool
}

func (e *ExecError) Error() string {
	return e.Err.Error()
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a non-retryable execution error
func Permanent(err error) *ExecError {
	return &ExecError{Err: err, Transient: false}
}

// Transient wraps err as a retryable execution error
func Transient(err error) *ExecError {
	return &ExecError{Err: err, Transient: true}
}

// Retryable reports whether the error should trigger a retry. Untagged
// errors (I/O failures, timeouts) default to retryable; only errors
// explicitly marked permanent skip the retry path.
func Retryable(err error) bool {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Transient
	}
	return true
}

// Apply evaluates the operation on the operands. The optional delay models
// slow work and is interruptible through the context, which carries the
// executor's deadline and any revocation cancellation.
func Apply(ctx context.Context, op models.Operation, a, b float64, delay time.Duration) (float64, error) {
	if !op.Known() {
		return 0, Permanent(fmt.Errorf("unknown operation %q", op))
	}
	if !isFinite(a) || !isFinite(b) {
		return 0, Permanent(fmt.Errorf("inputs must be finite numbers, got a=%v b=%v", a, b))
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	switch op {
	case models.OpAdd:
		return a + b, nil
	default:
		return a * b, nil
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
