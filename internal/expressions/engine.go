package expressions

import (
	"context"
	"sync"

	"github.com/rendis/plangraph/pkg/schema"
)

// Engine evaluates a source expression against a data map. CEL and expr
// back branch conditions; jq backs operands and the transform tools.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// maxPrograms bounds each engine's compiled program cache. Plans reuse a
// handful of expressions, so eviction only matters for generated plans.
const maxPrograms = 512

// programs caches compiled expressions by source text. When full, the whole
// cache is dropped rather than tracking recency.
type programs[P any] struct {
	mu      sync.RWMutex
	byText  map[string]P
	compile func(src string) (P, error)
}

func newPrograms[P any](compile func(src string) (P, error)) *programs[P] {
	return &programs[P]{byText: make(map[string]P), compile: compile}
}

func (c *programs[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.byText[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(src)
	if err != nil {
		return p, err
	}
	c.mu.Lock()
	if len(c.byText) >= maxPrograms {
		c.byText = make(map[string]P)
	}
	c.byText[src] = p
	c.mu.Unlock()
	return p, nil
}

// expressionError wraps an engine failure. phase is "compile" or "eval".
func expressionError(engine, phase, src string, err error) *schema.PlanError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s %q: %v", engine, phase, src, err).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": src})
}

func emptyExpression(engine string) *schema.PlanError {
	return schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", engine)
}
