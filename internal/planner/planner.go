// Package planner holds the strategies that produce plans: hand-authored
// templates, a heuristic generator and an agent-backed generator.
package planner

import (
	"context"

	"github.com/rendis/plangraph/pkg/schema"
)

// Task is what a generator plans for.
type Task struct {
	// Goal is the natural-language request.
	Goal string `json:"goal"`
	// Input is the run's base input; URLs found in it steer the heuristic.
	Input any `json:"input,omitempty"`
}

// Generator produces a plan for a task. Every generator returns a plan that
// passed validation or an error; callers never repair plans.
type Generator interface {
	Generate(ctx context.Context, task Task) (*schema.Plan, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, task Task) (*schema.Plan, error)

func (f GeneratorFunc) Generate(ctx context.Context, task Task) (*schema.Plan, error) {
	return f(ctx, task)
}

// Fallback tries generators in order and returns the first plan produced.
// The last error is returned when all fail.
func Fallback(gens ...Generator) Generator {
	return GeneratorFunc(func(ctx context.Context, task Task) (*schema.Plan, error) {
		var lastErr error = schema.NewError(schema.ErrCodeInvalidPlan, "no plan generator configured")
		for _, g := range gens {
			p, err := g.Generate(ctx, task)
			if err == nil {
				return p, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		}
		return nil, lastErr
	})
}
