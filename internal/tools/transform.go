package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/expressions"
)

// Names of the built-in tools that need no configuration.
const (
	EchoToolName = "echo"
	JQToolName   = "transform.jq"
	ExprToolName = "transform.expr"
)

// Echo returns its args unchanged.
func Echo() Definition {
	return &Func{
		Name:        EchoToolName,
		Description: "Return the arguments unchanged.",
		Fn: func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			return args, nil
		},
	}
}

// --- transform.jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

// JQ returns transform.jq: runs a jq filter over data. With all=true every
// output is collected into an array; otherwise a single output is returned
// as is and several are returned as an array.
func JQ(e *expressions.GoJQEngine) Definition {
	if e == nil {
		e = expressions.NewGoJQEngine()
	}
	return &jqTool{engine: e}
}

func (t *jqTool) Info() Info {
	return Info{
		Name:        JQToolName,
		Description: "Run a jq filter over data.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "filter": {"type": "string"},
    "data": {},
    "all": {"type": "boolean", "default": false}
  },
  "required": ["filter"]
}`),
	}
}

func (t *jqTool) Invoke(ctx context.Context, args any, _ engine.ToolContext) (any, error) {
	params, err := paramsOf(JQToolName, args)
	if err != nil {
		return nil, err
	}
	filter, err := requireString(JQToolName, params, "filter")
	if err != nil {
		return nil, err
	}
	if boolParam(params, "all", false) {
		out, err := t.engine.RunAll(ctx, filter, params["data"])
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []any{}
		}
		return out, nil
	}
	return t.engine.Run(ctx, filter, params["data"])
}

// --- transform.expr ---

type exprTool struct {
	engine *expressions.ExprEngine
}

// Expr returns transform.expr: evaluates an expr-lang expression with the
// data param bound as the variable "data".
func Expr(e *expressions.ExprEngine) Definition {
	if e == nil {
		e = expressions.NewExprEngine()
	}
	return &exprTool{engine: e}
}

func (t *exprTool) Info() Info {
	return Info{
		Name:        ExprToolName,
		Description: "Evaluate an expr-lang expression against data.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {}
  },
  "required": ["expression"]
}`),
	}
}

func (t *exprTool) Invoke(ctx context.Context, args any, _ engine.ToolContext) (any, error) {
	params, err := paramsOf(ExprToolName, args)
	if err != nil {
		return nil, err
	}
	expression, err := requireString(ExprToolName, params, "expression")
	if err != nil {
		return nil, err
	}
	out, err := t.engine.Evaluate(ctx, expression, map[string]any{"data": params["data"]})
	if err != nil {
		return nil, err
	}
	return expressions.Normalize(out), nil
}
