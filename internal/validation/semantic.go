package validation

import (
	"fmt"

	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/pkg/schema"
)

// maxRetryWarning is the retry count above which a warning is emitted.
const maxRetryWarning = 10

// validateSemantic checks the plan shape and its references.
// Checks: ids unique and non-empty, exactly one kind per step, composite child
// kinds, map child templates, reference targets and their positions, known
// agents/tools when a catalog is supplied.
func validateSemantic(p *schema.Plan, catalog Catalog) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if p.ID == "" {
		result.AddError("id", schema.ErrCodeInvalidPlan, "plan id is required")
	}

	// position[id] = index of the first step with that id.
	position := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			result.AddError(path+".id", schema.ErrCodeInvalidPlan, "step id is required")
			continue
		}
		if prev, dup := position[s.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeInvalidPlan,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", s.ID, prev))
			continue
		}
		position[s.ID] = i
	}

	index := p.Index()
	for i := range p.Steps {
		validateStep(&p.Steps[i], i, fmt.Sprintf("steps[%d]", i), position, index, catalog, result)
	}

	for i, id := range p.Outputs {
		if _, ok := position[id]; !ok {
			result.AddError(fmt.Sprintf("outputs[%d]", i), schema.ErrCodeInvalidPlan,
				fmt.Sprintf("references non-existent step %q", id))
		}
	}

	return result
}

// validateStep checks one step. pos is the step's index in the plan.
func validateStep(s *schema.Step, pos int, path string, position map[string]int, index map[string]*schema.Step, catalog Catalog, result *schema.ValidationResult) {
	switch s.Kind() {
	case schema.StepKindModel:
		validateLeaf(s.Model, nil, s.Guard, pos, path, position, false, catalog, result)
	case schema.StepKindTool:
		validateLeaf(nil, s.Tool, s.Guard, pos, path, position, false, catalog, result)
	case schema.StepKindParallel:
		for j, id := range s.Parallel.Children {
			validateChildRef(id, fmt.Sprintf("%s.children[%d]", path, j), "parallel", position, index, result)
		}
		if len(s.Parallel.Children) == 0 {
			result.AddWarning(path+".children", schema.ErrCodeValidation, "parallel step has no children")
		}
	case schema.StepKindBranch:
		for j, c := range s.Branch.Branches {
			casePath := fmt.Sprintf("%s.branches[%d]", path, j)
			validateCondition(c.When, casePath+".when", pos, position, result)
			for k, id := range c.Then {
				validateChildRef(id, fmt.Sprintf("%s.then[%d]", casePath, k), "branch", position, index, result)
			}
		}
		for k, id := range s.Branch.Else {
			validateChildRef(id, fmt.Sprintf("%s.else[%d]", path, k), "branch", position, index, result)
		}
	case schema.StepKindMap:
		m := s.Map
		if m.ItemsFrom == "" {
			result.AddError(path+".itemsFrom", schema.ErrCodeInvalidPlan, "map step requires itemsFrom")
		} else {
			validateEarlierRef(m.ItemsFrom, path+".itemsFrom", pos, position, result)
		}
		switch m.Child.Kind() {
		case schema.StepKindModel:
			validateLeaf(m.Child.Model, nil, m.Child.Guard, pos, path+".child", position, true, catalog, result)
		case schema.StepKindTool:
			validateLeaf(nil, m.Child.Tool, m.Child.Guard, pos, path+".child", position, true, catalog, result)
		default:
			result.AddError(path+".child", schema.ErrCodeInvalidPlan, "map child must be a model or tool step")
		}
	default:
		result.AddError(path+".kind", schema.ErrCodeInvalidPlan, "step must have exactly one kind")
	}

	if s.TimeoutMs < 0 {
		result.AddError(path+".timeoutMs", schema.ErrCodeInvalidPlan, "timeoutMs must not be negative")
	}
}

// validateLeaf checks a model or tool payload. inMap allows item references.
func validateLeaf(model *schema.ModelStep, tool *schema.ToolStep, guard *schema.Guard, pos int, path string, position map[string]int, inMap bool, catalog Catalog, result *schema.ValidationResult) {
	var inputFrom []string
	switch {
	case model != nil:
		inputFrom = model.InputFrom
		if model.Agent == "" {
			result.AddError(path+".agent", schema.ErrCodeInvalidPlan, "model step requires an agent")
		} else if catalog != nil && !catalog.HasAgent(model.Agent) {
			result.AddError(path+".agent", schema.ErrCodeAgentNotFound,
				fmt.Sprintf("agent %q not registered", model.Agent))
		}
	case tool != nil:
		inputFrom = tool.InputFrom
		if tool.ToolID == "" {
			result.AddError(path+".toolId", schema.ErrCodeInvalidPlan, "tool step requires a toolId")
		} else if catalog != nil && !catalog.HasTool(tool.ToolID) {
			result.AddError(path+".toolId", schema.ErrCodeToolNotFound,
				fmt.Sprintf("tool %q not registered", tool.ToolID))
		}
		for _, ref := range expressions.References(tool.Args) {
			root := expressions.RootOf(ref)
			if inMap && root == expressions.ItemRoot {
				continue
			}
			if _, ok := position[root]; !ok {
				result.AddWarning(path+".args", schema.ErrCodeValidation,
					fmt.Sprintf("placeholder ${%s} references unknown step %q and will resolve to null", ref, root))
			}
		}
	}

	for j, id := range inputFrom {
		validateEarlierRef(id, fmt.Sprintf("%s.inputFrom[%d]", path, j), pos, position, result)
	}

	if guard != nil && guard.Retry != nil {
		if guard.Retry.Max < 0 {
			result.AddError(path+".guard.retry.max", schema.ErrCodeInvalidPlan, "retry max must not be negative")
		} else if guard.Retry.Max > maxRetryWarning {
			result.AddWarning(path+".guard.retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", guard.Retry.Max))
		}
	}
}

// validateChildRef checks a composite child: it must exist anywhere in the
// plan and must not itself be a parallel or branch step.
func validateChildRef(id, path, parent string, position map[string]int, index map[string]*schema.Step, result *schema.ValidationResult) {
	if _, ok := position[id]; !ok {
		result.AddError(path, schema.ErrCodeInvalidPlan, fmt.Sprintf("references non-existent step %q", id))
		return
	}
	switch index[id].Kind() {
	case schema.StepKindParallel, schema.StepKindBranch:
		result.AddError(path, schema.ErrCodeInvalidPlan,
			fmt.Sprintf("%s child %q must be a model, tool or map step, got %s", parent, id, index[id].Kind()))
	}
}

// validateEarlierRef checks that id names a step declared before pos.
func validateEarlierRef(id, path string, pos int, position map[string]int, result *schema.ValidationResult) {
	at, ok := position[id]
	if !ok {
		result.AddError(path, schema.ErrCodeInvalidPlan, fmt.Sprintf("references non-existent step %q", id))
		return
	}
	if at >= pos {
		result.AddError(path, schema.ErrCodeInvalidPlan,
			fmt.Sprintf("references step %q declared at steps[%d], which is not earlier than steps[%d]", id, at, pos))
	}
}

// validateCondition warns about condition references to unknown steps.
// Branch conditions are evaluated when the branch runs, so any earlier step
// is fair game.
func validateCondition(c schema.Condition, path string, pos int, position map[string]int, result *schema.ValidationResult) {
	var refs []string
	switch c.Op {
	case schema.CondTruthy:
		refs = append(refs, c.Ref)
	case schema.CondEq, schema.CondGt, schema.CondLt:
		for _, e := range []schema.Expr{c.Left, c.Right} {
			if e.Kind == schema.ExprVar {
				refs = append(refs, e.Ref)
			}
		}
	case schema.CondCEL, schema.CondExpr:
		if c.Source == "" {
			result.AddError(path, schema.ErrCodeInvalidPlan, fmt.Sprintf("%s condition requires a source expression", c.Op))
		}
		return
	default:
		result.AddError(path, schema.ErrCodeInvalidPlan, fmt.Sprintf("unknown condition operator %q", c.Op))
		return
	}

	for _, ref := range refs {
		root := expressions.RootOf(ref)
		at, ok := position[root]
		if !ok {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition references unknown step %q and will see null", root))
			continue
		}
		if at > pos {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("condition references step %q declared after the branch", root))
		}
	}
}
