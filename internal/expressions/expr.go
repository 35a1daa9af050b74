package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions: {expr: ...} conditions and the
// transform.expr tool. Keys of the data map are top-level variables; unknown
// names evaluate to nil.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	e := &ExprEngine{}
	e.programs = newPrograms(func(src string) (*vm.Program, error) {
		// Compiled without a typed env so one program serves every scope.
		prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, expressionError(e.Name(), "compile", src, err)
		}
		return prg, nil
	})
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, src string, data map[string]any) (any, error) {
	if src == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(src)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, expressionError(e.Name(), "eval", src, err)
	}
	return out, nil
}
