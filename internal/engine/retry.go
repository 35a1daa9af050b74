package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/plangraph/pkg/schema"
)

// IsRetryableError classifies whether a failed attempt may be retried.
// Non-retryable: cancellation and PlanErrors whose code forbids it (unknown
// collaborators, budget, open circuits). Every other error is retryable,
// including timeouts, guard rejections and plain collaborator errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A PlanError decides for itself. Checked first so a STEP_TIMEOUT wrapping
	// context.DeadlineExceeded and a CANCELLED wrapping context.Canceled keep
	// their own classification.
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	// Deadline exceeded inside a collaborator is a step timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Anything else a collaborator returns counts as transient; the step's
	// retry budget bounds the attempts.
	return true
}

// ComputeBackoff returns the delay after the given failed attempt (1-based):
// the policy's backoff unit times the attempt number.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt <= 0 {
		return 0
	}
	return policy.Backoff() * time.Duration(attempt)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelled converts a done context into a CANCELLED PlanError.
func cancelled(ctx context.Context) *schema.PlanError {
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(context.Cause(ctx))
}
