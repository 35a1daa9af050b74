package planner

import (
	"context"
	"regexp"

	"github.com/rendis/plangraph/internal/tools"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// Heuristic builds plans without a model call: a single model step, or a
// fetch-then-summarize plan when the task mentions URLs.
type Heuristic struct {
	// Agent answers the task or summarizes the fetched pages.
	Agent string
	// FetchTool is the tool used for URLs. Defaults to http.fetch.
	FetchTool string
	// MaxConcurrency bounds parallel fetches; 0 uses the run default.
	MaxConcurrency int

	validator *validation.PlanValidator
}

// NewHeuristic creates a heuristic generator answering with agent.
func NewHeuristic(agent string, v *validation.PlanValidator) *Heuristic {
	return &Heuristic{Agent: agent, FetchTool: tools.FetchToolName, validator: v}
}

func (h *Heuristic) Generate(_ context.Context, task Task) (*schema.Plan, error) {
	if h.Agent == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidPlan, "heuristic planner has no agent")
	}
	urls := ExtractURLs(task.Goal, task.Input)

	var p *schema.Plan
	if len(urls) == 0 {
		p = &schema.Plan{
			ID:      "answer",
			Steps:   []schema.Step{{ID: "answer", Model: &schema.ModelStep{Agent: h.Agent}}},
			Outputs: []string{"answer"},
		}
	} else {
		fetchTool := h.FetchTool
		if fetchTool == "" {
			fetchTool = tools.FetchToolName
		}
		items := make([]any, len(urls))
		for i, u := range urls {
			items[i] = u
		}
		p = &schema.Plan{
			ID: "fetch-summarize",
			Steps: []schema.Step{
				{ID: "urls", Tool: &schema.ToolStep{ToolID: tools.EchoToolName, Args: items}},
				{ID: "pages", Map: &schema.MapStep{
					ItemsFrom:       "urls",
					FromItemAsInput: true,
					MaxConcurrency:  h.MaxConcurrency,
					Child: schema.StepTemplate{
						Tool:  &schema.ToolStep{ToolID: fetchTool},
						Guard: &schema.Guard{Retry: &schema.RetryPolicy{Max: 2}},
					},
				}},
				{ID: "summary", Model: &schema.ModelStep{Agent: h.Agent, InputFrom: []string{"pages"}}},
			},
			Outputs: []string{"summary"},
		}
	}

	if h.validator != nil {
		if err := h.validator.ValidatePlan(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ExtractURLs returns the distinct http(s) URLs found in the goal and in
// string values of input, in order of first appearance.
func ExtractURLs(goal string, input any) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		for _, u := range urlPattern.FindAllString(s, -1) {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	add(goal)
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			add(val)
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				add(item)
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(input)
	return out
}
