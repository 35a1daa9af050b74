package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/pkg/schema"
)

// runStep dispatches one step by kind.
func (ex *execution) runStep(ctx context.Context, s *schema.Step) error {
	switch s.Kind() {
	case schema.StepKindModel, schema.StepKindTool:
		scope := ex.scope()
		_, err := ex.runLeaf(ctx, s, scope, leafInput(s, scope, ex.rc.Input, false))
		return err
	case schema.StepKindParallel:
		return ex.runParallel(ctx, s)
	case schema.StepKindBranch:
		return ex.runBranch(ctx, s)
	case schema.StepKindMap:
		return ex.runMap(ctx, s)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidPlan, "step %q has no kind", s.ID).WithStep(s.ID)
}

// leafInput picks what a leaf step is called with: the map element when
// fromItem is set, a tool's resolved args, its inputFrom values, or the
// run's base input.
func leafInput(s *schema.Step, scope *expressions.Scope, base any, fromItem bool) any {
	if fromItem && scope.HasItem {
		return expressions.DeepCopy(scope.Item)
	}
	switch s.Kind() {
	case schema.StepKindTool:
		if s.Tool.Args != nil {
			return expressions.Resolve(s.Tool.Args, scope)
		}
		return expressions.ResolveInput(s.Tool.InputFrom, base, scope)
	case schema.StepKindModel:
		return expressions.ResolveInput(s.Model.InputFrom, base, scope)
	}
	return base
}

// runParallel runs the children through a group pool. Its output maps each
// child id to the child's output.
func (ex *execution) runParallel(ctx context.Context, s *schema.Step) error {
	children := make([]*schema.Step, 0, len(s.Parallel.Children))
	for _, id := range s.Parallel.Children {
		child, ok := ex.index[id]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeInvalidPlan, "parallel child %q not found", id).WithStep(s.ID)
		}
		switch child.Kind() {
		case schema.StepKindParallel, schema.StepKindBranch:
			return schema.NewErrorf(schema.ErrCodeInvalidPlan,
				"parallel child %q must be a model, tool or map step", id).WithStep(s.ID)
		}
		children = append(children, child)
	}

	tasks := make([]func(context.Context) error, len(children))
	for i, child := range children {
		tasks[i] = func(ctx context.Context) error {
			return ex.runStep(ctx, child)
		}
	}

	metrics, err := runGroup(ctx, groupSize(s.Parallel.MaxConcurrency, ex.opts.MaxConcurrency), tasks)
	ex.logGroup(ctx, s.ID, metrics, err)
	if err != nil {
		return err
	}

	out := make(map[string]any, len(children))
	for _, child := range children {
		out[child.ID], _ = ex.outputs.Get(child.ID)
	}
	ex.store(s.ID, out)
	return nil
}

// runBranch runs the Then steps of the first matching case in order, or
// Else. Its output records which case ran, or is nil when nothing did.
func (ex *execution) runBranch(ctx context.Context, s *schema.Step) error {
	scope := ex.scope()

	var label any
	var targets []string
	for i, c := range s.Branch.Branches {
		ok, err := ex.runner.evaluator.Condition(ctx, c.When, scope)
		if err != nil {
			return branchError(s.ID, i, err)
		}
		if ok {
			label, targets = i, c.Then
			break
		}
	}
	if label == nil && len(s.Branch.Else) > 0 {
		label, targets = "else", s.Branch.Else
	}

	if label == nil {
		ex.runner.logger.DebugContext(ctx, "no branch matched", slog.String("branch", s.ID))
		ex.store(s.ID, nil)
		return nil
	}

	ran := make([]string, 0, len(targets))
	for _, id := range targets {
		target, ok := ex.index[id]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeInvalidPlan, "branch target %q not found", id).WithStep(s.ID)
		}
		if err := ex.runStep(ctx, target); err != nil {
			return err
		}
		ran = append(ran, id)
	}
	ex.store(s.ID, map[string]any{"branch": label, "steps": ran})
	return nil
}

func branchError(stepID string, index int, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "branches[%d] condition: %s", index, err.Error()).
		WithStep(stepID).WithCause(err)
}

// runMap instantiates the child template once per element of the items
// array and runs the instances through a group pool. Element i runs as step
// "<mapID>:<i>"; the map's output lists the results in element order.
func (ex *execution) runMap(ctx context.Context, s *schema.Step) error {
	m := s.Map
	raw, _ := ex.outputs.Get(m.ItemsFrom)
	items, ok := asArray(raw)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidPlan,
			"map %q: output of %q is %T, not an array", s.ID, m.ItemsFrom, raw).WithStep(s.ID)
	}

	base := ex.scope()
	results := make([]any, len(items))
	tasks := make([]func(context.Context) error, len(items))
	for i, item := range items {
		child := m.Child.Instantiate(fmt.Sprintf("%s:%d", s.ID, i))
		tasks[i] = func(ctx context.Context) error {
			scope := base.WithItem(item)
			out, err := ex.runLeaf(ctx, &child, scope, leafInput(&child, scope, ex.rc.Input, m.FromItemAsInput))
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		}
	}

	metrics, err := runGroup(ctx, groupSize(m.MaxConcurrency, ex.opts.MaxConcurrency), tasks)
	ex.logGroup(ctx, s.ID, metrics, err)
	if err != nil {
		return err
	}
	ex.store(s.ID, results)
	return nil
}

// asArray accepts []any as is and normalizes other slice types.
func asArray(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	if v == nil {
		return nil, false
	}
	items, ok := expressions.Normalize(v).([]any)
	return items, ok
}

func groupSize(own, runDefault int) int {
	if own > 0 {
		return own
	}
	return runDefault
}

func (ex *execution) logGroup(ctx context.Context, stepID string, m PoolMetrics, err error) {
	attrs := []any{
		slog.String("group", stepID),
		slog.Int64("completed", m.Completed),
		slog.Int64("failed", m.Failed),
		slog.Int64("still_running", m.Active),
	}
	if err != nil {
		ex.runner.logger.WarnContext(ctx, "group failed fast", append(attrs, slog.Any("error", err))...)
		return
	}
	ex.runner.logger.DebugContext(ctx, "group completed", attrs...)
}
