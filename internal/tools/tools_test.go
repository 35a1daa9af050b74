package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/pkg/schema"
)

func invoke(t *testing.T, tool Definition, args any) (any, error) {
	t.Helper()
	return tool.Invoke(context.Background(), args, engine.ToolContext{})
}

func TestEcho(t *testing.T) {
	out, err := invoke(t, Echo(), map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, out)
	assert.Equal(t, EchoToolName, Echo().Info().Name)
}

func TestJQ(t *testing.T) {
	tool := JQ(nil)
	data := map[string]any{"items": []any{
		map[string]any{"url": "https://a", "score": 3},
		map[string]any{"url": "https://b", "score": 9},
	}}

	out, err := invoke(t, tool, map[string]any{"filter": "[.items[] | select(.score > 5) | .url]", "data": data})
	require.NoError(t, err)
	assert.Equal(t, []any{"https://b"}, out)

	out, err = invoke(t, tool, map[string]any{"filter": ".items[].url", "data": data, "all": true})
	require.NoError(t, err)
	assert.Equal(t, []any{"https://a", "https://b"}, out)

	out, err = invoke(t, tool, map[string]any{"filter": "empty", "all": true})
	require.NoError(t, err)
	assert.Equal(t, []any{}, out)

	_, err = invoke(t, tool, map[string]any{"filter": ".["})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = invoke(t, tool, map[string]any{"data": data})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestExpr(t *testing.T) {
	tool := Expr(nil)

	out, err := invoke(t, tool, map[string]any{
		"expression": "sum(map(data.scores, # * 2))",
		"data":       map[string]any{"scores": []any{1, 2, 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(12), out)

	out, err = invoke(t, tool, map[string]any{
		"expression": `{"label": data.score > 5 ? "hi" : "lo"}`,
		"data":       map[string]any{"score": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"label": "hi"}, out)

	_, err = invoke(t, tool, map[string]any{"expression": ""})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))
	assert.Equal(t, 10, reg.Count())

	var names []string
	for _, info := range reg.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{
		AssertContainsToolName, AssertEqualsToolName, AssertMatchesToolName,
		HashToolName, HMACToolName, UUIDToolName,
		EchoToolName, FetchToolName, ExprToolName, JQToolName,
	}, names)

	err := reg.Register(Echo())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = reg.Register(&Func{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(reg.Register(nil), schema.ErrCodeValidation))

	_, err = reg.Get("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolNotFound))
	assert.True(t, reg.HasTool(FetchToolName))
	assert.False(t, reg.HasTool("missing"))

	tools := reg.Tools()
	assert.Len(t, tools, 10)
	out, err := tools[EchoToolName].Invoke(context.Background(), "x", engine.ToolContext{})
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestRateLimited(t *testing.T) {
	limited := RateLimited(Echo(), rate.NewLimiter(rate.Every(50*time.Millisecond), 1))
	assert.Equal(t, EchoToolName, limited.Info().Name)

	start := time.Now()
	for range 3 {
		_, err := invoke(t, limited, "x")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := limited.Invoke(ctx, "x", engine.ToolContext{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))

	slow := RateLimited(Echo(), rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err = invoke(t, slow, "x")
	require.NoError(t, err)
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Invoke(ctx, "x", engine.ToolContext{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepFailed))
}

func TestRegistry_Limit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Echo()))
	require.NoError(t, reg.Limit(EchoToolName, rate.Inf, 1))
	assert.True(t, schema.HasCode(reg.Limit("missing", rate.Inf, 1), schema.ErrCodeToolNotFound))

	tool, err := reg.Get(EchoToolName)
	require.NoError(t, err)
	_, isLimited := tool.(*rateLimited)
	assert.True(t, isLimited)
}

func TestBuiltins_InPlan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"page ` + strings.TrimPrefix(r.URL.Path, "/") + `"}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}))

	p, err := schema.DecodePlan([]byte(`{
	  "id": "crawl",
	  "steps": [
	    {"id": "urls", "kind": "tool", "toolId": "echo", "args": ["` + srv.URL + `/a", "` + srv.URL + `/b"]},
	    {"id": "pages", "kind": "map", "itemsFrom": "urls", "fromItemAsInput": true,
	     "child": {"kind": "tool", "toolId": "http.fetch"}},
	    {"id": "titles", "kind": "tool", "toolId": "transform.jq",
	     "args": {"filter": "[.[].body.title]", "data": "${pages}"}}
	  ],
	  "outputs": ["titles"]
	}`))
	require.NoError(t, err)

	runner, err := engine.NewRunner(nil, engine.RunnerConfig{Logger: logging.Discard()})
	require.NoError(t, err)
	out, err := runner.Run(context.Background(), p, engine.RunContext{Tools: reg.Tools()}, engine.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"titles": []any{"page a", "page b"}}, out)
}
