package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

func newValidator(t *testing.T) *validation.PlanValidator {
	t.Helper()
	v, err := validation.NewPlanValidator(nil)
	require.NoError(t, err)
	return v
}

const yamlTemplate = `
name: research
description: Fetch two sources and summarize them
id: research
steps:
  - id: fan
    kind: parallel
    children: [a, b]
  - id: a
    kind: model
    agent: researcher
  - id: b
    kind: model
    agent: critic
  - id: summary
    kind: model
    agent: writer
    inputFrom: [a, b]
outputs: [summary]
`

func TestTemplates_LoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(yamlTemplate), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.json"),
		[]byte(`{"id":"echo","steps":[{"id":"s1","kind":"tool","toolId":"echo","args":{"v":1}}],"outputs":["s1"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a plan"), 0o644))

	tpls := NewTemplates(newValidator(t))
	n, err := tpls.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list := tpls.List()
	require.Len(t, list, 2)
	assert.Equal(t, "echo", list[0].Name)
	assert.Equal(t, TemplateInfo{
		Name:        "research",
		Description: "Fetch two sources and summarize them",
		Steps:       4,
		Outputs:     []string{"summary"},
	}, list[1])

	tpl, err := tpls.Get("research")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "research.yaml"), tpl.Source)
	assert.Equal(t, schema.StepKindParallel, tpl.Plan.Steps[0].Kind())

	p, err := tpls.Generate(context.Background(), Task{Goal: " echo "})
	require.NoError(t, err)
	assert.Equal(t, "echo", p.ID)
}

func TestTemplates_Errors(t *testing.T) {
	tpls := NewTemplates(newValidator(t))

	_, err := tpls.Get("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	assert.True(t, schema.HasCode(tpls.Add(nil), schema.ErrCodeValidation))

	bad := &Template{Plan: &schema.Plan{ID: "bad", Steps: []schema.Step{{ID: "x"}}}}
	err = tpls.Add(bad)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))

	ok := &Template{Plan: &schema.Plan{ID: "ok", Steps: []schema.Step{{ID: "s", Model: &schema.ModelStep{Agent: "w"}}}}}
	require.NoError(t, tpls.Add(ok))
	assert.Equal(t, "ok", ok.Name)
	assert.True(t, schema.HasCode(tpls.Add(&Template{Plan: ok.Plan}), schema.ErrCodeConflict))

	_, err = ParseTemplate([]byte("id: [unterminated"), ".yaml")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))
	_, err = ParseTemplate([]byte(""), ".json")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))

	_, err = tpls.LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestReadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlTemplate), 0o644))

	p, err := ReadPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, "research", p.ID)
	assert.Len(t, p.Steps, 4)
}

func TestExtractURLs(t *testing.T) {
	urls := ExtractURLs("compare https://a.example/x and https://b.example",
		map[string]any{
			"more": []any{"see https://c.example/page?q=1", "https://a.example/x"},
			"n":    3,
		})
	assert.Equal(t, []string{"https://a.example/x", "https://b.example", "https://c.example/page?q=1"}, urls)
	assert.Empty(t, ExtractURLs("no links here", nil))
}

func TestHeuristic(t *testing.T) {
	h := NewHeuristic("writer", newValidator(t))

	p, err := h.Generate(context.Background(), Task{Goal: "write a haiku"})
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, schema.StepKindModel, p.Steps[0].Kind())
	assert.Equal(t, []string{"answer"}, p.Outputs)

	p, err = h.Generate(context.Background(), Task{Goal: "summarize", Input: []any{"https://a.example", "https://b.example"}})
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, []any{"https://a.example", "https://b.example"}, p.Steps[0].Tool.Args)
	require.Equal(t, schema.StepKindMap, p.Steps[1].Kind())
	assert.True(t, p.Steps[1].Map.FromItemAsInput)
	assert.Equal(t, "http.fetch", p.Steps[1].Map.Child.Tool.ToolID)
	assert.Equal(t, []string{"pages"}, p.Steps[2].Model.InputFrom)

	_, err = (&Heuristic{}).Generate(context.Background(), Task{Goal: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))
}

func TestHeuristic_RunsEndToEnd(t *testing.T) {
	h := NewHeuristic("writer", newValidator(t))
	p, err := h.Generate(context.Background(), Task{Goal: "summarize https://a.example and https://b.example"})
	require.NoError(t, err)

	agents := engine.NewAgentRouter(map[string]engine.AgentFunc{
		"writer": func(_ context.Context, input any, _ engine.AgentContext) (any, error) {
			pages := input.([]any)
			return len(pages), nil
		},
	})
	runner, err := engine.NewRunner(agents, engine.RunnerConfig{Logger: logging.Discard()})
	require.NoError(t, err)

	tools := map[string]engine.Tool{
		"echo": engine.ToolFunc(func(_ context.Context, args any, _ engine.ToolContext) (any, error) { return args, nil }),
		"http.fetch": engine.ToolFunc(func(_ context.Context, args any, _ engine.ToolContext) (any, error) {
			return map[string]any{"body": "page " + args.(string)}, nil
		}),
	}
	out, err := runner.Run(context.Background(), p, engine.RunContext{Tools: tools}, engine.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"summary": 2}, out)
}

// scriptedAgent answers successive calls from a list.
type scriptedAgent struct {
	answers  []any
	requests []PlanRequest
}

func (s *scriptedAgent) Invoke(_ context.Context, _ string, input any, _ engine.AgentContext) (any, error) {
	s.requests = append(s.requests, input.(PlanRequest))
	if len(s.answers) == 0 {
		return nil, errors.New("no more answers")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func TestLLM_ParsesFencedAnswer(t *testing.T) {
	agent := &scriptedAgent{answers: []any{
		"Here is the plan:\n```json\n{\"id\":\"p\",\"steps\":[{\"id\":\"s\",\"kind\":\"model\",\"agent\":\"writer\"}],\"outputs\":[\"s\"]}\n```",
	}}
	llm := NewLLM(agent, "planner", newValidator(t), logging.Discard())
	llm.Tools = []string{"echo"}

	p, err := llm.Generate(context.Background(), Task{Goal: "write"})
	require.NoError(t, err)
	assert.Equal(t, "p", p.ID)

	require.Len(t, agent.requests, 1)
	req := agent.requests[0]
	assert.Equal(t, "write", req.Goal)
	assert.Equal(t, []string{"echo"}, req.Tools)
	assert.NotEmpty(t, req.Schema)
	assert.Empty(t, req.Feedback)
}

func TestLLM_RetriesWithFeedback(t *testing.T) {
	agent := &scriptedAgent{answers: []any{
		map[string]any{"id": "p", "steps": []any{
			map[string]any{"id": "a", "kind": "model", "agent": "w", "inputFrom": []any{"b"}},
			map[string]any{"id": "b", "kind": "model", "agent": "w"},
		}},
		map[string]any{"id": "p", "steps": []any{
			map[string]any{"id": "b", "kind": "model", "agent": "w"},
			map[string]any{"id": "a", "kind": "model", "agent": "w", "inputFrom": []any{"b"}},
		}},
	}}
	llm := NewLLM(agent, "planner", newValidator(t), logging.Discard())

	p, err := llm.Generate(context.Background(), Task{Goal: "x"})
	require.NoError(t, err)
	assert.Equal(t, "b", p.Steps[0].ID)

	require.Len(t, agent.requests, 2)
	require.NotEmpty(t, agent.requests[1].Feedback)
	assert.Contains(t, agent.requests[1].Feedback[0], "not earlier")
}

func TestLLM_GivesUp(t *testing.T) {
	agent := &scriptedAgent{answers: []any{"no plan", "still no plan"}}
	llm := NewLLM(agent, "planner", newValidator(t), nil)

	_, err := llm.Generate(context.Background(), Task{Goal: "x"})
	require.Error(t, err)
	assert.Len(t, agent.requests, 2)

	failing := &scriptedAgent{}
	_, err = NewLLM(failing, "planner", newValidator(t), nil).Generate(context.Background(), Task{Goal: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more answers")
}

func TestFallback(t *testing.T) {
	v := newValidator(t)
	tpls := NewTemplates(v)
	gen := Fallback(tpls, NewHeuristic("writer", v))

	p, err := gen.Generate(context.Background(), Task{Goal: "unknown template"})
	require.NoError(t, err)
	assert.Equal(t, "answer", p.ID)

	_, err = Fallback().Generate(context.Background(), Task{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidPlan))
}
