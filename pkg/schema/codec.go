package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// stepWire is the flat, kind-tagged JSON form shared by steps and templates.
type stepWire struct {
	ID             string        `json:"id,omitempty"`
	Kind           StepKind      `json:"kind"`
	Guard          *Guard        `json:"guard,omitempty"`
	CacheKey       string        `json:"cacheKey,omitempty"`
	TimeoutMs      int           `json:"timeoutMs,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	Agent          string        `json:"agent,omitempty"`
	ToolID         string        `json:"toolId,omitempty"`
	Args           any           `json:"args,omitempty"`
	InputFrom      []string      `json:"inputFrom,omitempty"`
	Children       []string      `json:"children,omitempty"`
	MaxConcurrency int           `json:"maxConcurrency,omitempty"`
	Branches       []BranchCase  `json:"branches,omitempty"`
	Else           []string      `json:"else,omitempty"`
	ItemsFrom      string        `json:"itemsFrom,omitempty"`
	Child          *StepTemplate `json:"child,omitempty"`
	FromItemAs     bool          `json:"fromItemAsInput,omitempty"`
}

// MarshalJSON encodes the step in its kind-tagged form.
func (s Step) MarshalJSON() ([]byte, error) {
	w := stepWire{
		ID:             s.ID,
		Kind:           s.Kind(),
		Guard:          s.Guard,
		CacheKey:       s.CacheKey,
		TimeoutMs:      s.TimeoutMs,
		IdempotencyKey: s.IdempotencyKey,
	}
	switch w.Kind {
	case StepKindModel:
		w.Agent, w.InputFrom = s.Model.Agent, s.Model.InputFrom
	case StepKindTool:
		w.ToolID, w.Args, w.InputFrom = s.Tool.ToolID, s.Tool.Args, s.Tool.InputFrom
	case StepKindParallel:
		w.Children, w.MaxConcurrency = s.Parallel.Children, s.Parallel.MaxConcurrency
	case StepKindBranch:
		w.Branches, w.Else = s.Branch.Branches, s.Branch.Else
	case StepKindMap:
		child := s.Map.Child
		w.ItemsFrom, w.Child = s.Map.ItemsFrom, &child
		w.MaxConcurrency, w.FromItemAs = s.Map.MaxConcurrency, s.Map.FromItemAsInput
	default:
		return nil, NewError(ErrCodeInvalidPlan, "step has no kind").WithStep(s.ID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a kind-tagged step. Unknown kinds are rejected.
func (s *Step) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Step{
		ID:             w.ID,
		Guard:          w.Guard,
		CacheKey:       w.CacheKey,
		TimeoutMs:      w.TimeoutMs,
		IdempotencyKey: w.IdempotencyKey,
	}
	switch w.Kind {
	case StepKindModel:
		s.Model = &ModelStep{Agent: w.Agent, InputFrom: w.InputFrom}
	case StepKindTool:
		s.Tool = &ToolStep{ToolID: w.ToolID, Args: w.Args, InputFrom: w.InputFrom}
	case StepKindParallel:
		s.Parallel = &ParallelStep{Children: w.Children, MaxConcurrency: w.MaxConcurrency}
	case StepKindBranch:
		s.Branch = &BranchStep{Branches: w.Branches, Else: w.Else}
	case StepKindMap:
		if w.Child == nil {
			return NewError(ErrCodeInvalidPlan, "map step requires a child template").WithStep(w.ID)
		}
		s.Map = &MapStep{
			ItemsFrom:       w.ItemsFrom,
			Child:           *w.Child,
			MaxConcurrency:  w.MaxConcurrency,
			FromItemAsInput: w.FromItemAs,
		}
	default:
		return NewErrorf(ErrCodeInvalidPlan, "unknown step kind %q", w.Kind).WithStep(w.ID)
	}
	return nil
}

// MarshalJSON encodes the template in its kind-tagged form.
func (t StepTemplate) MarshalJSON() ([]byte, error) {
	w := stepWire{
		Kind:           t.Kind(),
		Guard:          t.Guard,
		CacheKey:       t.CacheKey,
		TimeoutMs:      t.TimeoutMs,
		IdempotencyKey: t.IdempotencyKey,
	}
	switch w.Kind {
	case StepKindModel:
		w.Agent, w.InputFrom = t.Model.Agent, t.Model.InputFrom
	case StepKindTool:
		w.ToolID, w.Args, w.InputFrom = t.Tool.ToolID, t.Tool.Args, t.Tool.InputFrom
	default:
		return nil, NewError(ErrCodeInvalidPlan, "map child must be a model or tool step")
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a template. Only model and tool kinds are accepted.
func (t *StepTemplate) UnmarshalJSON(data []byte) error {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = StepTemplate{
		Guard:          w.Guard,
		CacheKey:       w.CacheKey,
		TimeoutMs:      w.TimeoutMs,
		IdempotencyKey: w.IdempotencyKey,
	}
	switch w.Kind {
	case StepKindModel:
		t.Model = &ModelStep{Agent: w.Agent, InputFrom: w.InputFrom}
	case StepKindTool:
		t.Tool = &ToolStep{ToolID: w.ToolID, Args: w.Args, InputFrom: w.InputFrom}
	default:
		return NewErrorf(ErrCodeInvalidPlan, "map child must be a model or tool step, got %q", w.Kind)
	}
	return nil
}

// DecodePlan parses a plan document in JSON or YAML form. YAML documents are
// normalized to JSON first so both go through the same step codec.
func DecodePlan(data []byte) (*Plan, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeInvalidPlan, "plan document is empty")
	}

	raw := trimmed
	if trimmed[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, NewErrorf(ErrCodeInvalidPlan, "parse plan yaml: %s", err.Error()).WithCause(err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, NewErrorf(ErrCodeInvalidPlan, "normalize plan yaml: %s", err.Error()).WithCause(err)
		}
		raw = b
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		var pe *PlanError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, NewErrorf(ErrCodeInvalidPlan, "parse plan: %s", err.Error()).WithCause(err)
	}
	return &p, nil
}

// String renders the plan as indented JSON, mainly for logs and CLI output.
func (p *Plan) String() string {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Sprintf("plan %s (unencodable: %v)", p.ID, err)
	}
	return string(b)
}
