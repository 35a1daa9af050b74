package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates {cel: ...} branch conditions. Expressions see the two
// variables of Scope.Data:
//
//	outputs  map(string, dyn)  step outputs by id
//	item     dyn               current element inside a map child, else null
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(outputsVar, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(ItemRoot, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, expressionError(e.Name(), "compile", src, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, expressionError(e.Name(), "compile", src, err)
	}
	return prg, nil
}

func (e *CELEngine) Evaluate(_ context.Context, src string, data map[string]any) (any, error) {
	if src == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(src)
	if err != nil {
		return nil, err
	}

	// Both variables must be bound or CEL reports "no such attribute".
	vars := map[string]any{outputsVar: map[string]any{}, ItemRoot: nil}
	if out, ok := data[outputsVar]; ok && out != nil {
		vars[outputsVar] = out
	}
	if item, ok := data[ItemRoot]; ok {
		vars[ItemRoot] = item
	}

	val, _, err := prg.Eval(vars)
	if err != nil {
		return nil, expressionError(e.Name(), "eval", src, err)
	}
	return val.Value(), nil
}
