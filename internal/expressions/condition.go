package expressions

import (
	"context"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/plangraph/pkg/schema"
)

// Evaluator evaluates branch conditions and their operands.
// It is safe for concurrent use.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with fresh CEL, expr and jq engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// JQ exposes the evaluator's jq engine for transforms.
func (ev *Evaluator) JQ() *GoJQEngine { return ev.jq }

// Expr exposes the evaluator's expr engine for transforms.
func (ev *Evaluator) Expr() *ExprEngine { return ev.expr }

// Condition reports whether c holds in scope.
func (ev *Evaluator) Condition(ctx context.Context, c schema.Condition, scope *Scope) (bool, error) {
	switch c.Op {
	case schema.CondTruthy:
		return Truthy(scope.Lookup(c.Ref)), nil
	case schema.CondEq, schema.CondGt, schema.CondLt:
		left, err := ev.Operand(ctx, c.Left, scope)
		if err != nil {
			return false, err
		}
		right, err := ev.Operand(ctx, c.Right, scope)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case schema.CondEq:
			return StrictEqual(left, right), nil
		case schema.CondGt:
			return ToNumber(left) > ToNumber(right), nil
		default:
			return ToNumber(left) < ToNumber(right), nil
		}
	case schema.CondCEL:
		out, err := ev.cel.Evaluate(ctx, c.Source, scope.Data())
		if err != nil {
			return false, err
		}
		return Truthy(out), nil
	case schema.CondExpr:
		out, err := ev.expr.Evaluate(ctx, c.Source, scope.Data())
		if err != nil {
			return false, err
		}
		return Truthy(out), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeInvalidPlan, "unknown condition operator %q", c.Op)
	}
}

// Operand resolves a condition operand to a value.
func (ev *Evaluator) Operand(ctx context.Context, e schema.Expr, scope *Scope) (any, error) {
	switch e.Kind {
	case schema.ExprVar:
		return scope.Lookup(e.Ref), nil
	case schema.ExprJQ:
		return ev.jq.Run(ctx, e.Ref, scope.Outputs)
	default:
		return e.Value, nil
	}
}

// Truthy applies loose truthiness: nil, false, zero, NaN and the empty string
// are false; every other value, including empty maps and slices, is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	}
	if f, ok := numeric(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// StrictEqual compares without type coercion. Numbers of any Go numeric type
// compare by value; objects and arrays compare structurally.
func StrictEqual(a, b any) bool {
	fa, aNum := numeric(a)
	fb, bNum := numeric(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// ToNumber coerces v to a float64 for ordering comparisons. Booleans map to
// 1/0, strings are parsed (the empty string is 0), and everything else,
// including nil, is NaN so that gt/lt on it are false.
func ToNumber(v any) float64 {
	switch val := v.(type) {
	case nil:
		return math.NaN()
	case bool:
		if val {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	}
	if f, ok := numeric(v); ok {
		return f
	}
	return math.NaN()
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
