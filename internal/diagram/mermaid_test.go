package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/store"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearPlan(t), nil, "")
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% etl")
	assert.Contains(t, output, `fetch["fetch"]`)
	assert.Contains(t, output, `summarize{{"summarize"}}`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, "fetch --> extract")
	assert.Contains(t, output, "extract -.->|input| summarize")
	assert.Contains(t, output, "classDef completed")
}

func TestRenderMermaidComposite(t *testing.T) {
	model, err := Build(compositePlan(t), nil, "")
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, `fan[["fan"]]`)
	assert.Contains(t, output, `route{"route"}`)
	assert.Contains(t, output, `subgraph route_sg0["case 0: critique.score > 5"]`)
	assert.Contains(t, output, "publish --> notify")
	assert.Contains(t, output, `each_all["tool http.fetch"]`)
	assert.Contains(t, output, "list -.->|items| each")
	assert.Contains(t, output, "end\n")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	steps := map[string]*store.StepSummary{
		"fetch":     {StepID: "fetch", Status: store.StepStatusCompleted},
		"extract":   {StepID: "extract", Status: store.StepStatusCompleted, Cached: true},
		"summarize": {StepID: "summarize", Status: store.StepStatusRunning},
	}
	model, err := Build(linearPlan(t), steps, store.RunStatusRunning)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class extract cached")
	assert.Contains(t, output, "class summarize running")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "each_all", mermaidSafeID("each:*"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "a == #quot;b#quot;", mermaidEscapeLabel(`a == "b"`))
}
