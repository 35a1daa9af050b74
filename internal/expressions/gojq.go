package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq filters for {jq: ...} operands and the transform.jq
// tool. Filters cannot read the process environment.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{}
	e.programs = newPrograms(func(src string) (*gojq.Code, error) {
		query, err := gojq.Parse(src)
		if err != nil {
			return nil, expressionError(e.Name(), "compile", src, err)
		}
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, expressionError(e.Name(), "compile", src, err)
		}
		return code, nil
	})
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs src with data as the input document.
func (e *GoJQEngine) Evaluate(ctx context.Context, src string, data map[string]any) (any, error) {
	return e.Run(ctx, src, data)
}

// Run returns nil for no output, the value itself for one, and a slice when
// the filter emits several.
func (e *GoJQEngine) Run(ctx context.Context, src string, input any) (any, error) {
	results, err := e.RunAll(ctx, src, input)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// RunAll collects every output of src. input is normalized to JSON shapes.
func (e *GoJQEngine) RunAll(ctx context.Context, src string, input any) ([]any, error) {
	if src == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.programs.get(src)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, Normalize(input))
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, expressionError(e.Name(), "eval", src, err)
		}
		results = append(results, v)
	}
}
