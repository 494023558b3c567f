// Package retry wraps an operation in a fixed number of immediate re-attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultAttempts is used when a Policy does not specify MaxAttempts.
const DefaultAttempts = 3

var errInvalidAttempts = errors.New("retry: max attempts must be at least 1")

// Policy configures a retried operation.
type Policy struct {
	MaxAttempts   int
	OperationName string
	Logger        *zap.Logger
}

// Result carries the value of a successful attempt alongside attempt bookkeeping.
type Result[T any] struct {
	Value    T
	Attempts int
}

// WasRetried reports whether more than one attempt was needed.
func (r Result[T]) WasRetried() bool {
	return r.Attempts > 1
}

// Permanent marks an error that must not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs operation until it succeeds, returns a permanent error, the context is done, or
// the attempt budget is spent. No delay is inserted between attempts.
func Do[T any](ctx context.Context, policy Policy, operation func(context.Context) (T, error)) (Result[T], error) {
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}
	if attempts < 1 {
		return Result[T]{}, errInvalidAttempts
	}
	logger := policy.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		value     T
		attempted int
	)
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempted++
		result, err := operation(ctx)
		if err != nil {
			return err
		}
		value = result
		return nil
	}, strategy, func(err error, _ time.Duration) {
		logger.Warn("retrying operation",
			zap.String("operation", policy.OperationName),
			zap.Int("attempt", attempted),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
	})
	if err != nil {
		return Result[T]{Attempts: attempted}, fmt.Errorf("%s failed after %d attempt(s): %w", operationLabel(policy), attempted, err)
	}
	return Result[T]{Value: value, Attempts: attempted}, nil
}

func operationLabel(policy Policy) string {
	if policy.OperationName == "" {
		return "operation"
	}
	return policy.OperationName
}
