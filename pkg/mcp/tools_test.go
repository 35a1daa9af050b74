package mcp

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTool_Plan(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("plan.run", map[string]any{
		"plan":  planArg(t, greetPlan),
		"input": map[string]any{"name": "ada"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		RunID   string         `json:"run_id"`
		PlanID  string         `json:"plan_id"`
		Outputs map[string]any `json:"outputs"`
	}
	unmarshalResult(t, result, &out)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "greet", out.PlanID)
	assert.Equal(t, map[string]any{"name": "ada"}, out.Outputs["hello"])
	assert.Equal(t, 0, s.sessions.Len())
}

func TestRunTool_TemplateAndGoal(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("plan.run", map[string]any{
		"template": "greeting",
		"input":    map[string]any{"x": 1.0},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), `"plan_id":"greet"`)

	result, err = s.handleRun(context.Background(), buildRequest("plan.run", map[string]any{"goal": "say hi"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "say hi")
}

func TestRunTool_Errors(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleRun(context.Background(), buildRequest("plan.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("plan.run", map[string]any{"template": "missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, "NOT_FOUND", body["code"])

	result, err = s.handleRun(context.Background(), buildRequest("plan.run", map[string]any{
		"plan": planArg(t, `{"id":"p","steps":[{"id":"a","kind":"tool","toolId":"nope"}]}`),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleValidate(context.Background(), buildRequest("plan.validate", map[string]any{
		"plan": planArg(t, greetPlan),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var ok struct {
		PlanID string `json:"plan_id"`
		Valid  bool   `json:"valid"`
	}
	unmarshalResult(t, result, &ok)
	assert.Equal(t, "greet", ok.PlanID)
	assert.True(t, ok.Valid)

	result, err = s.handleValidate(context.Background(), buildRequest("plan.validate", map[string]any{
		"plan": planArg(t, `{"id":"p","steps":[{"id":"a","kind":"model","agent":"ghost"}]}`),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var bad struct {
		Valid  bool             `json:"valid"`
		Errors []map[string]any `json:"errors"`
	}
	unmarshalResult(t, result, &bad)
	assert.False(t, bad.Valid)
	require.NotEmpty(t, bad.Errors)
	assert.Equal(t, "AGENT_NOT_FOUND", bad.Errors[0]["code"])

	result, err = s.handleValidate(context.Background(), buildRequest("plan.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTemplatesAndToolsTools(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleTemplates(context.Background(), buildRequest("plan.templates", nil))
	require.NoError(t, err)
	text := extractText(t, result)
	assert.Contains(t, text, "greeting")
	assert.Contains(t, text, "Say hello")

	result, err = s.handleTools(context.Background(), buildRequest("plan.tools", nil))
	require.NoError(t, err)
	text = extractText(t, result)
	assert.Contains(t, text, "http.fetch")
	assert.Contains(t, text, "transform.jq")
}

func TestHistoryTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleRun(ctx, buildRequest("plan.run", map[string]any{"template": "greeting"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var run struct {
		RunID string `json:"run_id"`
	}
	unmarshalResult(t, result, &run)

	result, err = s.handleHistory(ctx, buildRequest("plan.history", map[string]any{"plan_id": "greet", "limit": 5.0}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var list struct {
		Runs []map[string]any `json:"runs"`
	}
	unmarshalResult(t, result, &list)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, run.RunID, list.Runs[0]["id"])

	result, err = s.handleHistory(ctx, buildRequest("plan.history", map[string]any{"run_id": run.RunID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), `"hello"`)

	result, err = s.handleHistory(ctx, buildRequest("plan.history", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleDiagram(ctx, buildRequest("plan.diagram", map[string]any{
		"template": "greeting",
		"format":   "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "graph TD")

	result, err = s.handleDiagram(ctx, buildRequest("plan.diagram", map[string]any{
		"plan":   planArg(t, greetPlan),
		"format": "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "hello")

	result, err = s.handleDiagram(ctx, buildRequest("plan.diagram", map[string]any{
		"template": "greeting",
		"format":   "png",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var image *mcp.ImageContent
	for _, c := range result.Content {
		if ic, ok := c.(mcp.ImageContent); ok {
			image = &ic
		}
	}
	require.NotNil(t, image)
	assert.Equal(t, "image/png", image.MIMEType)
	png, err := base64.StdEncoding.DecodeString(image.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), png[1:4])
}

func TestDiagramTool_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for name, args := range map[string]map[string]any{
		"no format":  {"template": "greeting"},
		"bad format": {"template": "greeting", "format": "gif"},
		"no source":  {"format": "ascii"},
		"bad run":    {"run_id": "missing", "format": "ascii"},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := s.handleDiagram(ctx, buildRequest("plan.diagram", args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}
