package schema

import (
	"encoding/json"
	"fmt"
)

// ConditionOp enumerates branch condition operators.
type ConditionOp string

const (
	CondTruthy ConditionOp = "truthy"
	CondEq     ConditionOp = "eq"
	CondGt     ConditionOp = "gt"
	CondLt     ConditionOp = "lt"
	// CondCEL and CondExpr evaluate a source expression against
	// {outputs, item}. They extend the reference-based operators.
	CondCEL  ConditionOp = "cel"
	CondExpr ConditionOp = "expr"
)

// Condition guards a branch case. A bare string in JSON is shorthand for
// {"truthy": "<ref>"}.
type Condition struct {
	Op     ConditionOp
	Ref    string // truthy
	Left   Expr   // eq, gt, lt
	Right  Expr   // eq, gt, lt
	Source string // cel, expr
}

// ExprKind enumerates operand forms.
type ExprKind string

const (
	ExprLiteral ExprKind = "value"
	ExprVar     ExprKind = "var"
	ExprJQ      ExprKind = "jq"
)

// Expr is a condition operand: a literal, a {var: ref} lookup into the
// outputs map, or a {jq: query} over the outputs map.
type Expr struct {
	Kind  ExprKind
	Value any    // literal
	Ref   string // var path or jq query
}

// Truthy builds a truthiness condition on ref.
func Truthy(ref string) Condition { return Condition{Op: CondTruthy, Ref: ref} }

// Eq builds a strict-equality condition.
func Eq(left, right Expr) Condition { return Condition{Op: CondEq, Left: left, Right: right} }

// Gt builds a numeric greater-than condition.
func Gt(left, right Expr) Condition { return Condition{Op: CondGt, Left: left, Right: right} }

// Lt builds a numeric less-than condition.
func Lt(left, right Expr) Condition { return Condition{Op: CondLt, Left: left, Right: right} }

// CEL builds a condition evaluated with the CEL engine.
func CEL(source string) Condition { return Condition{Op: CondCEL, Source: source} }

// ExprLang builds a condition evaluated with the expr engine.
func ExprLang(source string) Condition { return Condition{Op: CondExpr, Source: source} }

// Lit builds a literal operand.
func Lit(v any) Expr { return Expr{Kind: ExprLiteral, Value: v} }

// Var builds a reference operand.
func Var(ref string) Expr { return Expr{Kind: ExprVar, Ref: ref} }

// JQ builds a jq operand.
func JQ(query string) Expr { return Expr{Kind: ExprJQ, Ref: query} }

type comparisonWire struct {
	Left  Expr `json:"left"`
	Right Expr `json:"right"`
}

type conditionWire struct {
	Truthy *string         `json:"truthy,omitempty"`
	Eq     *comparisonWire `json:"eq,omitempty"`
	Gt     *comparisonWire `json:"gt,omitempty"`
	Lt     *comparisonWire `json:"lt,omitempty"`
	CEL    *string         `json:"cel,omitempty"`
	Expr   *string         `json:"expr,omitempty"`
}

// MarshalJSON encodes the condition in its object form.
func (c Condition) MarshalJSON() ([]byte, error) {
	var w conditionWire
	switch c.Op {
	case CondTruthy:
		ref := c.Ref
		w.Truthy = &ref
	case CondEq:
		w.Eq = &comparisonWire{Left: c.Left, Right: c.Right}
	case CondGt:
		w.Gt = &comparisonWire{Left: c.Left, Right: c.Right}
	case CondLt:
		w.Lt = &comparisonWire{Left: c.Left, Right: c.Right}
	case CondCEL:
		src := c.Source
		w.CEL = &src
	case CondExpr:
		src := c.Source
		w.Expr = &src
	default:
		return nil, NewErrorf(ErrCodeInvalidPlan, "unknown condition operator %q", c.Op)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts a bare reference string or an object with exactly
// one operator key.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var ref string
	if err := json.Unmarshal(data, &ref); err == nil {
		*c = Truthy(ref)
		return nil
	}

	var w conditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return NewErrorf(ErrCodeInvalidPlan, "invalid condition: %s", err.Error()).WithCause(err)
	}

	set := 0
	for _, present := range []bool{w.Truthy != nil, w.Eq != nil, w.Gt != nil, w.Lt != nil, w.CEL != nil, w.Expr != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return NewErrorf(ErrCodeInvalidPlan, "condition must have exactly one operator, got %d", set)
	}

	switch {
	case w.Truthy != nil:
		*c = Truthy(*w.Truthy)
	case w.Eq != nil:
		*c = Eq(w.Eq.Left, w.Eq.Right)
	case w.Gt != nil:
		*c = Gt(w.Gt.Left, w.Gt.Right)
	case w.Lt != nil:
		*c = Lt(w.Lt.Left, w.Lt.Right)
	case w.CEL != nil:
		*c = CEL(*w.CEL)
	case w.Expr != nil:
		*c = ExprLang(*w.Expr)
	}
	return nil
}

// MarshalJSON encodes the operand as {value}, {var} or {jq}.
func (e Expr) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case ExprVar:
		return json.Marshal(map[string]string{"var": e.Ref})
	case ExprJQ:
		return json.Marshal(map[string]string{"jq": e.Ref})
	default:
		return json.Marshal(map[string]any{"value": e.Value})
	}
}

// UnmarshalJSON accepts {var}, {value}, {jq}, or any other JSON value as a literal.
func (e *Expr) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return NewErrorf(ErrCodeInvalidPlan, "invalid operand: %s", err.Error()).WithCause(err)
	}

	obj, ok := v.(map[string]any)
	if ok && len(obj) == 1 {
		if ref, isVar := obj["var"]; isVar {
			s, isStr := ref.(string)
			if !isStr {
				return NewError(ErrCodeInvalidPlan, fmt.Sprintf("operand var must be a string, got %T", ref))
			}
			*e = Var(s)
			return nil
		}
		if q, isJQ := obj["jq"]; isJQ {
			s, isStr := q.(string)
			if !isStr {
				return NewError(ErrCodeInvalidPlan, fmt.Sprintf("operand jq must be a string, got %T", q))
			}
			*e = JQ(s)
			return nil
		}
		if lit, isLit := obj["value"]; isLit {
			*e = Lit(lit)
			return nil
		}
	}

	*e = Lit(v)
	return nil
}
