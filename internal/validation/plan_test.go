package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rendis/plangraph/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCatalog implements Catalog for tests.
type mockCatalog struct {
	agents map[string]bool
	tools  map[string]bool
}

func (m *mockCatalog) HasAgent(id string) bool { return m.agents[id] }
func (m *mockCatalog) HasTool(id string) bool  { return m.tools[id] }

func newValidator(t *testing.T) *PlanValidator {
	t.Helper()
	pv, err := NewPlanValidator(nil)
	require.NoError(t, err)
	return pv
}

func model(id, agent string, inputFrom ...string) schema.Step {
	return schema.Step{ID: id, Model: &schema.ModelStep{Agent: agent, InputFrom: inputFrom}}
}

func tool(id, toolID string, args any) schema.Step {
	return schema.Step{ID: id, Tool: &schema.ToolStep{ToolID: toolID, Args: args}}
}

func parallel(id string, children ...string) schema.Step {
	return schema.Step{ID: id, Parallel: &schema.ParallelStep{Children: children}}
}

func mustDecode(t *testing.T, doc string) *schema.Plan {
	t.Helper()
	p, err := schema.DecodePlan([]byte(doc))
	require.NoError(t, err)
	return p
}

func errorMessages(r *schema.ValidationResult) string {
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Path+": "+e.Message)
	}
	return strings.Join(msgs, "\n")
}

func TestValidate_ValidPlan(t *testing.T) {
	pv := newValidator(t)
	p := &schema.Plan{
		ID: "fan",
		Steps: []schema.Step{
			parallel("fan", "a", "b"),
			model("a", "writer"),
			model("b", "critic"),
			model("synth", "editor", "a", "b"),
		},
		Outputs: []string{"synth"},
	}

	result := pv.Validate(p)
	assert.True(t, result.Valid(), errorMessages(result))
	assert.NoError(t, pv.ValidatePlan(p))
}

func TestValidate_StructuralErrors(t *testing.T) {
	pv := newValidator(t)

	t.Run("nil plan", func(t *testing.T) {
		assert.False(t, pv.Validate(nil).Valid())
	})

	t.Run("missing id", func(t *testing.T) {
		result := pv.Validate(&schema.Plan{Steps: []schema.Step{model("a", "w")}})
		assert.False(t, result.Valid())
	})

	t.Run("no steps", func(t *testing.T) {
		result := pv.Validate(&schema.Plan{ID: "p"})
		assert.False(t, result.Valid())
	})

	t.Run("step without kind", func(t *testing.T) {
		result := pv.Validate(&schema.Plan{ID: "p", Steps: []schema.Step{{ID: "x"}}})
		require.False(t, result.Valid())
		assert.Contains(t, errorMessages(result), "no kind")
	})

	t.Run("model without agent", func(t *testing.T) {
		result := pv.Validate(&schema.Plan{ID: "p", Steps: []schema.Step{model("a", "")}})
		assert.False(t, result.Valid())
	})
}

func TestValidate_SemanticErrors(t *testing.T) {
	pv := newValidator(t)

	tests := []struct {
		name  string
		plan  *schema.Plan
		path  string
		inMsg string
	}{
		{
			name: "duplicate id",
			plan: &schema.Plan{ID: "p", Steps: []schema.Step{model("a", "w"), model("a", "w")}},
			path: "steps[1].id", inMsg: "duplicate",
		},
		{
			name: "parallel child is parallel",
			plan: &schema.Plan{ID: "p", Steps: []schema.Step{parallel("outer", "inner"), parallel("inner", "a"), model("a", "w")}},
			path: "steps[0].children[0]", inMsg: "must be a model, tool or map step",
		},
		{
			name: "parallel child missing",
			plan: &schema.Plan{ID: "p", Steps: []schema.Step{parallel("fan", "ghost")}},
			path: "steps[0].children[0]", inMsg: "non-existent",
		},
		{
			name: "inputFrom declared later",
			plan: &schema.Plan{ID: "p", Steps: []schema.Step{model("a", "w", "b"), model("b", "w")}},
			path: "steps[0].inputFrom[0]", inMsg: "not earlier",
		},
		{
			name: "inputFrom self",
			plan: &schema.Plan{ID: "p", Steps: []schema.Step{model("a", "w", "a")}},
			path: "steps[0].inputFrom[0]", inMsg: "not earlier",
		},
		{
			name: "unknown output",
			plan: &schema.Plan{ID: "p", Steps: []schema.Step{model("a", "w")}, Outputs: []string{"zzz"}},
			path: "outputs[0]", inMsg: "non-existent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := pv.Validate(tt.plan)
			require.False(t, result.Valid())
			found := false
			for _, e := range result.Errors {
				if e.Path == tt.path && strings.Contains(e.Message, tt.inMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected %s containing %q, got:\n%s", tt.path, tt.inMsg, errorMessages(result))

			err := pv.ValidatePlan(tt.plan)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))
		})
	}
}

func TestValidate_BranchTargets(t *testing.T) {
	pv := newValidator(t)
	p := mustDecode(t, `{
	  "id": "route",
	  "steps": [
	    {"id": "score", "kind": "tool", "toolId": "scorer"},
	    {"id": "pick", "kind": "branch",
	     "branches": [{"when": {"gt": {"left": {"var": "score.value"}, "right": 5}}, "then": ["fan"]}],
	     "else": ["lo"]},
	    {"id": "fan", "kind": "parallel", "children": ["lo"]},
	    {"id": "lo", "kind": "model", "agent": "w"}
	  ]
	}`)

	result := pv.Validate(p)
	require.False(t, result.Valid())
	assert.Equal(t, "steps[1].branches[0].then[0]", result.Errors[0].Path)
}

func TestValidate_MapStep(t *testing.T) {
	pv := newValidator(t)

	good := mustDecode(t, `{
	  "id": "m",
	  "steps": [
	    {"id": "list", "kind": "tool", "toolId": "lister"},
	    {"id": "each", "kind": "map", "itemsFrom": "list", "fromItemAsInput": true,
	     "child": {"kind": "tool", "toolId": "fetch", "args": {"url": "${item.url}", "q": "${list.query}"}}}
	  ]
	}`)
	result := pv.Validate(good)
	assert.True(t, result.Valid(), errorMessages(result))
	assert.Empty(t, result.Warnings)

	late := mustDecode(t, `{
	  "id": "m",
	  "steps": [
	    {"id": "each", "kind": "map", "itemsFrom": "list", "child": {"kind": "model", "agent": "w"}},
	    {"id": "list", "kind": "tool", "toolId": "lister"}
	  ]
	}`)
	result = pv.Validate(late)
	require.False(t, result.Valid())
	assert.Equal(t, "steps[0].itemsFrom", result.Errors[0].Path)
}

func TestValidate_Warnings(t *testing.T) {
	pv := newValidator(t)
	p := mustDecode(t, `{
	  "id": "w",
	  "steps": [
	    {"id": "check", "kind": "tool", "toolId": "t", "args": {"x": "${ghost.value}"},
	     "guard": {"retry": {"max": 50}}},
	    {"id": "route", "kind": "branch", "branches": [{"when": "check", "then": ["maybe"]}]},
	    {"id": "maybe", "kind": "model", "agent": "w"},
	    {"id": "after", "kind": "model", "agent": "w", "inputFrom": ["maybe"]}
	  ]
	}`)

	result := pv.Validate(p)
	assert.True(t, result.Valid(), errorMessages(result))

	var paths []string
	for _, w := range result.Warnings {
		paths = append(paths, w.Path)
	}
	assert.Contains(t, paths, "steps[0].args")
	assert.Contains(t, paths, "steps[0].guard.retry.max")
	assert.Contains(t, paths, "steps[after].inputFrom")
}

func TestValidate_Catalog(t *testing.T) {
	pv := newValidator(t).WithCatalog(&mockCatalog{
		agents: map[string]bool{"writer": true},
		tools:  map[string]bool{"echo": true},
	})

	ok := &schema.Plan{ID: "p", Steps: []schema.Step{model("a", "writer"), tool("b", "echo", nil)}}
	assert.NoError(t, pv.ValidatePlan(ok))

	badTool := &schema.Plan{ID: "p", Steps: []schema.Step{tool("b", "missing", nil)}}
	err := pv.ValidatePlan(badTool)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolNotFound))

	badAgent := &schema.Plan{ID: "p", Steps: []schema.Step{model("a", "ghost")}}
	err = pv.ValidatePlan(badAgent)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeAgentNotFound))
}

func TestPrepare_CompilesGuardSchemas(t *testing.T) {
	pv := newValidator(t)
	p := mustDecode(t, `{
	  "id": "g",
	  "steps": [
	    {"id": "a", "kind": "model", "agent": "w",
	     "guard": {"schema": {"type": "object", "required": ["title"]}, "retry": {"max": 1}}},
	    {"id": "each", "kind": "map", "itemsFrom": "a",
	     "child": {"kind": "tool", "toolId": "t", "guard": {"schema": {"type": "string"}}}}
	  ]
	}`)

	guards, err := pv.Prepare(p)
	require.NoError(t, err)
	assert.Nil(t, p.Steps[0].Guard.Validator, "plan is not modified")

	v := guards.For(p.Steps[0].Guard)
	require.NotNil(t, v)
	assert.NoError(t, v.Validate(map[string]any{"title": "x"}))
	err = v.Validate(map[string]any{"body": "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeGuardRejected))

	child := guards.For(p.Steps[1].Map.Child.Guard)
	require.NotNil(t, child)
	assert.NoError(t, child.Validate("ok"))
	assert.Error(t, child.Validate(42))
}

func TestPrepare_InvalidGuardSchema(t *testing.T) {
	pv := newValidator(t)
	p := &schema.Plan{ID: "p", Steps: []schema.Step{{
		ID:    "a",
		Model: &schema.ModelStep{Agent: "w"},
		Guard: &schema.Guard{Schema: json.RawMessage(`{"type": 12}`)},
	}}}

	_, err := pv.Prepare(p)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))
}

func TestGuardSet_ExplicitValidatorWins(t *testing.T) {
	explicit := schema.ValidatorFunc(func(any) error { return nil })
	g := &schema.Guard{Validator: explicit}
	gs := GuardSet{}
	assert.NotNil(t, gs.For(g))
	assert.Nil(t, gs.For(nil))
	assert.Nil(t, gs.For(&schema.Guard{}))
}

func TestValidateDocument_RawBytes(t *testing.T) {
	pv := newValidator(t)

	assert.NoError(t, pv.ValidateDocument([]byte(`{"id":"p","steps":[{"id":"s1","kind":"tool","toolId":"echo","args":{"v":1}}],"outputs":["s1"]}`)))

	err := pv.ValidateDocument([]byte(`{"id":"p","steps":[{"id":"s1","kind":"tool"}],"extra":true}`))
	require.Error(t, err)
	var pe *schema.PlanError
	require.ErrorAs(t, err, &pe)
	violations, ok := pe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}
