package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/plangraph/internal/cache"
	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/pkg/schema"
)

// runLeaf runs a model or tool step through the guard, retry and cache
// wrapper, stores its result and emits step:done. scope is the one the
// step's input was resolved against; inside map children it holds the item.
func (ex *execution) runLeaf(ctx context.Context, s *schema.Step, scope *expressions.Scope, input any) (any, error) {
	ctx = logging.WithStepID(ctx, s.ID)
	logger := ex.runner.logger

	ex.emit(schema.Event{Type: schema.EventStepStart, StepID: s.ID})

	var policy *schema.RetryPolicy
	if s.Guard != nil {
		policy = s.Guard.Retry
	}
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.Max
	}
	validator := ex.guards.For(s.Guard)

	for attempt := 1; ; attempt++ {
		if err := ex.checkBudget(s.ID); err != nil {
			return nil, err
		}

		key := ex.cacheKey(ctx, s, input)
		if key != "" {
			if v, ok := ex.cacheGet(ctx, key); ok {
				logger.DebugContext(ctx, "step served from cache", slog.String("cache_key", key))
				ex.store(s.ID, v)
				ex.emit(schema.Event{Type: schema.EventStepDone, StepID: s.ID, Output: v, Cached: true})
				return v, nil
			}
		}

		started := time.Now()
		out, err := ex.attempt(ctx, s, scope, input, validator)
		if err == nil {
			logger.DebugContext(ctx, "step attempt succeeded",
				slog.Int("attempt", attempt), slog.Duration("duration", time.Since(started)))
			if key != "" {
				ex.cacheSet(ctx, key, out)
			}
			ex.store(s.ID, out)
			ex.emit(schema.Event{Type: schema.EventStepDone, StepID: s.ID, Output: out})
			return out, nil
		}

		if !IsRetryableError(err) || attempt > maxRetries {
			return nil, stepFailure(s.ID, attempt, err)
		}

		logger.WarnContext(ctx, "step attempt failed, retrying",
			slog.Int("attempt", attempt), slog.Int("max_retries", maxRetries), slog.Any("error", err))
		ex.emit(schema.Event{Type: schema.EventStepRetry, StepID: s.ID, Attempt: attempt})
		if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt)); err != nil {
			return nil, cancelled(ctx).WithStep(s.ID)
		}
	}
}

// attempt makes one collaborator call and checks the result against the guard.
func (ex *execution) attempt(ctx context.Context, s *schema.Step, scope *expressions.Scope, input any, validator schema.Validator) (any, error) {
	breakerKey, call, err := ex.collaborator(s, scope, input)
	if err != nil {
		return nil, err
	}

	breakers := ex.runner.breakers
	if breakers != nil {
		if err := breakers.AllowRequest(breakerKey); err != nil {
			return nil, err
		}
	}

	timeout := ex.opts.StepTimeout
	if s.TimeoutMs > 0 {
		timeout = time.Duration(s.TimeoutMs) * time.Millisecond
	}
	out, err := callWithTimeout(ctx, timeout, call)

	if breakers != nil {
		switch {
		case err == nil:
			breakers.RecordSuccess(breakerKey)
		case !schema.HasCode(err, schema.ErrCodeCancelled):
			if breakers.RecordFailure(breakerKey) == CircuitOpen {
				ex.runner.logger.WarnContext(ctx, "circuit opened", slog.String("collaborator", breakerKey))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if validator != nil {
		if verr := validator.Validate(out); verr != nil {
			if schema.HasCode(verr, schema.ErrCodeGuardRejected) {
				return nil, verr
			}
			return nil, schema.NewError(schema.ErrCodeGuardRejected, verr.Error()).WithCause(verr)
		}
	}
	return out, nil
}

// collaborator resolves the call a leaf step makes. Unknown agents surface
// from the invoker itself; unknown tools fail here.
func (ex *execution) collaborator(s *schema.Step, scope *expressions.Scope, input any) (string, func(context.Context) (any, error), error) {
	switch s.Kind() {
	case schema.StepKindModel:
		agents := ex.runner.agents
		if agents == nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeAgentNotFound, "agent %q not registered: runner has no agents", s.Model.Agent)
		}
		ac := AgentContext{TaskID: ex.rc.TaskID, MemoryScope: ex.rc.MemoryScope, StepID: s.ID}
		agentID := s.Model.Agent
		return AgentKey(agentID), func(ctx context.Context) (any, error) {
			return agents.Invoke(ctx, agentID, input, ac)
		}, nil

	case schema.StepKindTool:
		tool, ok := ex.rc.Tools[s.Tool.ToolID]
		if !ok || tool == nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", s.Tool.ToolID)
		}
		tc := ToolContext{TaskID: ex.rc.TaskID, StepID: s.ID, IdempotencyKey: ex.idempotencyKey(s, scope)}
		return ToolKey(s.Tool.ToolID), func(ctx context.Context) (any, error) {
			return tool.Invoke(ctx, input, tc)
		}, nil
	}
	return "", nil, schema.NewErrorf(schema.ErrCodeInvalidPlan, "step %q is not a model or tool step", s.ID)
}

// idempotencyKey resolves the step's key. A whole-string placeholder is
// looked up in scope, so map children can key on their element.
func (ex *execution) idempotencyKey(s *schema.Step, scope *expressions.Scope) string {
	if s.IdempotencyKey == "" {
		return ex.rc.RunID + ":" + s.ID
	}
	if _, ok := expressions.Placeholder(s.IdempotencyKey); !ok {
		return s.IdempotencyKey
	}
	v := expressions.Resolve(s.IdempotencyKey, scope)
	if v == nil {
		return ex.rc.RunID + ":" + s.ID
	}
	return fmt.Sprint(v)
}

// callWithTimeout runs call on its own goroutine and returns when it
// finishes or the timeout fires, whichever comes first. A callee that
// ignores its context keeps running after a timeout; its result is dropped.
func callWithTimeout(ctx context.Context, timeout time.Duration, call func(context.Context) (any, error)) (any, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: schema.NewErrorf(schema.ErrCodeStepFailed, "panic: %v", rec)}
			}
		}()
		out, err := call(callCtx)
		done <- result{out: out, err: err}
	}()

	timedOut := func() error {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return schema.NewErrorf(schema.ErrCodeStepTimeout, "step timed out after %s", timeout).
			WithCause(context.DeadlineExceeded)
	}

	select {
	case res := <-done:
		if res.err != nil && callCtx.Err() != nil && errors.Is(res.err, callCtx.Err()) {
			return nil, timedOut()
		}
		return res.out, res.err
	case <-callCtx.Done():
		select {
		case res := <-done:
			if res.err == nil {
				return res.out, nil
			}
		default:
		}
		return nil, timedOut()
	}
}

// cacheKey returns the step's cache key, or "" when the step is not cached.
func (ex *execution) cacheKey(ctx context.Context, s *schema.Step, input any) string {
	if ex.opts.Cache == nil || s.CacheKey == "" {
		return ""
	}
	if s.CacheKey != schema.CacheKeyAuto {
		return s.CacheKey
	}
	key, err := cache.AutoKey(s.ID, input)
	if err != nil {
		ex.runner.logger.WarnContext(ctx, "cannot derive cache key, running uncached", slog.Any("error", err))
		return ""
	}
	return key
}

// cacheGet treats lookup failures and null values as misses.
func (ex *execution) cacheGet(ctx context.Context, key string) (any, bool) {
	v, ok, err := ex.opts.Cache.Get(ctx, key)
	if err != nil {
		ex.runner.logger.WarnContext(ctx, "step cache get failed", slog.String("cache_key", key), slog.Any("error", err))
		return nil, false
	}
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// cacheSet writes through. Failures are logged and otherwise ignored.
func (ex *execution) cacheSet(ctx context.Context, key string, v any) {
	if err := ex.opts.Cache.Set(ctx, key, v, ex.opts.DefaultStepTTL); err != nil {
		ex.runner.logger.WarnContext(ctx, "step cache set failed", slog.String("cache_key", key), slog.Any("error", err))
	}
}

// stepFailure turns the last attempt's error into the error the step
// propagates. The original error stays reachable through the cause chain.
func stepFailure(stepID string, attempts int, err error) error {
	if attempts > 1 && IsRetryableError(err) {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted, "failed after %d attempts: %s", attempts, err.Error()).
			WithStep(stepID).WithCause(err)
	}
	var pe *schema.PlanError
	if errors.As(err, &pe) {
		cp := *pe
		if cp.StepID == "" {
			cp.StepID = stepID
		}
		return &cp
	}
	return schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(stepID).WithCause(err)
}
