package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

const defaultLLMAttempts = 2

// LLM asks an agent to write the plan. The agent receives a PlanRequest and
// must answer with a plan document, either as a JSON object or as text
// containing one (code fences are tolerated). A plan that fails validation
// is sent back with the errors for another attempt.
type LLM struct {
	agents    engine.AgentInvoker
	agent     string
	validator *validation.PlanValidator
	logger    *slog.Logger

	// MaxAttempts bounds generate-validate rounds. Defaults to 2.
	MaxAttempts int
	// Agents and Tools are advertised to the planner agent.
	Agents []string
	Tools  []string
}

// PlanRequest is the input handed to the planner agent.
type PlanRequest struct {
	Goal     string          `json:"goal"`
	Input    any             `json:"input,omitempty"`
	Agents   []string        `json:"agents,omitempty"`
	Tools    []string        `json:"tools,omitempty"`
	Schema   json.RawMessage `json:"schema"`
	Feedback []string        `json:"feedback,omitempty"`
}

// NewLLM creates a generator that delegates to agent through agents.
func NewLLM(agents engine.AgentInvoker, agent string, v *validation.PlanValidator, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{agents: agents, agent: agent, validator: v, logger: logger, MaxAttempts: defaultLLMAttempts}
}

func (l *LLM) Generate(ctx context.Context, task Task) (*schema.Plan, error) {
	attempts := l.MaxAttempts
	if attempts <= 0 {
		attempts = defaultLLMAttempts
	}
	req := PlanRequest{
		Goal:   task.Goal,
		Input:  task.Input,
		Agents: l.Agents,
		Tools:  l.Tools,
		Schema: validation.PlanSchema(),
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := l.agents.Invoke(ctx, l.agent, req, engine.AgentContext{TaskID: "plan", StepID: "planner"})
		if err != nil {
			return nil, fmt.Errorf("planner agent %q: %w", l.agent, err)
		}

		p, err := l.parse(out)
		if err == nil {
			return p, nil
		}
		lastErr = err
		l.logger.WarnContext(ctx, "generated plan rejected",
			slog.String("agent", l.agent), slog.Int("attempt", attempt), slog.Any("error", err))
		req.Feedback = feedback(err)
	}
	return nil, lastErr
}

// parse decodes and validates an agent answer.
func (l *LLM) parse(out any) (*schema.Plan, error) {
	var doc []byte
	switch v := out.(type) {
	case string:
		doc = []byte(extractJSON(v))
	case []byte:
		doc = []byte(extractJSON(string(v)))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidPlan, "planner answer is not JSON-encodable").WithCause(err)
		}
		doc = b
	}

	if err := l.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}
	p, err := schema.DecodePlan(doc)
	if err != nil {
		return nil, err
	}
	if err := l.validator.ValidatePlan(p); err != nil {
		return nil, err
	}
	return p, nil
}

// extractJSON returns the outermost {...} span of s, which drops prose and
// markdown fences around the document.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// feedback lists validation messages for the next attempt.
func feedback(err error) []string {
	var pe *schema.PlanError
	if !errors.As(err, &pe) {
		return []string{err.Error()}
	}
	if v, ok := pe.Details["violations"].([]string); ok {
		return v
	}
	if issues, ok := pe.Details["errors"].([]schema.ValidationIssue); ok {
		out := make([]string, len(issues))
		for i, is := range issues {
			out[i] = is.String()
		}
		return out
	}
	return []string{pe.Message}
}
