package tools

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/pkg/schema"
)

// RateLimited wraps a tool so calls wait on limiter before running. The
// limiter is shared by every step and run that uses the wrapped tool.
func RateLimited(tool Definition, limiter *rate.Limiter) Definition {
	return &rateLimited{inner: tool, limiter: limiter}
}

type rateLimited struct {
	inner   Definition
	limiter *rate.Limiter
}

func (r *rateLimited) Info() Info { return r.inner.Info() }

func (r *rateLimited) Invoke(ctx context.Context, args any, tc engine.ToolContext) (any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "%s: cancelled waiting for rate limit", r.inner.Info().Name).WithCause(err)
		}
		// The wait would outlast the step deadline; a retry may fit.
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "%s: rate limit wait exceeds deadline", r.inner.Info().Name).WithCause(err)
	}
	return r.inner.Invoke(ctx, args, tc)
}
