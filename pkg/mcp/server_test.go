package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/agents"
	"github.com/rendis/plangraph/internal/cache"
	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/service"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/internal/tools"
	"github.com/rendis/plangraph/pkg/schema"
)

const greetPlan = `{
  "id": "greet",
  "steps": [{"id": "hello", "kind": "model", "agent": "echo"}],
  "outputs": ["hello"]
}`

func newTestServer(t *testing.T) *PlanServer {
	t.Helper()

	router, err := agents.NewRouter(nil, nil)
	require.NoError(t, err)
	runner, err := engine.NewRunner(router, engine.RunnerConfig{})
	require.NoError(t, err)

	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, tools.HTTPConfig{}))

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	svc, err := service.New(service.Deps{
		Runner:    runner,
		Agents:    router,
		Tools:     reg,
		Generator: planner.NewHeuristic(agents.EchoName, runner.Validator()),
		Store:     st,
		Hub:       hub,
		Cache:     cache.NewMemoryCache(),
	})
	require.NoError(t, err)

	plan, err := schema.DecodePlan([]byte(greetPlan))
	require.NoError(t, err)
	require.NoError(t, svc.Templates().Add(&planner.Template{Name: "greeting", Description: "Say hello", Plan: plan}))

	return NewPlanServer(PlanServerDeps{Service: svc, Hub: hub, Version: "test"})
}

func TestNewPlanServer(t *testing.T) {
	s := newTestServer(t)
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	for _, name := range []string{"plan.run", "plan.validate", "plan.templates", "plan.tools", "plan.history", "plan.diagram"} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"plan.run", "Execute a plan, a registered template or a free-form goal"},
		{"plan.validate", "Validate a plan without running it"},
		{"plan.templates", "List registered plan templates"},
		{"plan.history", "List recorded runs, or inspect one run with its steps"},
	}

	s := newTestServer(t)
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

// --- Helpers shared with tools_test.go ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func planArg(t *testing.T, doc string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	return m
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
