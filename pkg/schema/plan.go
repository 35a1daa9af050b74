package schema

import (
	"encoding/json"
	"time"
)

// Plan is the declarative workflow submitted to the runner.
// Producers (templates, heuristics, LLM planners) emit this format.
type Plan struct {
	ID      string   `json:"id"`
	Steps   []Step   `json:"steps"`
	Outputs []string `json:"outputs,omitempty"`
}

// StepKind enumerates the kinds of steps in a plan.
type StepKind string

const (
	StepKindModel    StepKind = "model"
	StepKindTool     StepKind = "tool"
	StepKindParallel StepKind = "parallel"
	StepKindBranch   StepKind = "branch"
	StepKindMap      StepKind = "map"
)

// CacheKeyAuto asks the runner to derive a cache key from the step id and its
// resolved input.
const CacheKeyAuto = "auto"

// DefaultBackoff is the retry delay unit used when a retry policy omits BackoffMs.
const DefaultBackoff = 400 * time.Millisecond

// Step is one node of a plan. Exactly one of the kind payloads is set; Kind
// reports which.
type Step struct {
	ID             string
	Guard          *Guard
	CacheKey       string
	TimeoutMs      int
	IdempotencyKey string

	Model    *ModelStep
	Tool     *ToolStep
	Parallel *ParallelStep
	Branch   *BranchStep
	Map      *MapStep
}

// ModelStep invokes an agent through the agent router.
type ModelStep struct {
	Agent     string
	InputFrom []string
}

// ToolStep invokes a tool function from the run's tool map.
type ToolStep struct {
	ToolID    string
	Args      any
	InputFrom []string
}

// ParallelStep runs its children concurrently. Children must be model, tool
// or map steps.
type ParallelStep struct {
	Children       []string
	MaxConcurrency int
}

// BranchStep runs the Then steps of the first case whose condition holds,
// or Else when none does.
type BranchStep struct {
	Branches []BranchCase
	Else     []string
}

// BranchCase pairs a condition with the step ids to run when it holds.
type BranchCase struct {
	When Condition `json:"when"`
	Then []string  `json:"then"`
}

// MapStep runs Child once per element of the array produced by ItemsFrom.
type MapStep struct {
	ItemsFrom       string
	Child           StepTemplate
	MaxConcurrency  int
	FromItemAsInput bool
}

// StepTemplate is a model or tool step without an id. Map steps instantiate
// it once per element.
type StepTemplate struct {
	Guard          *Guard
	CacheKey       string
	TimeoutMs      int
	IdempotencyKey string

	Model *ModelStep
	Tool  *ToolStep
}

// Guard is the per-step validation and retry policy.
type Guard struct {
	// Schema is an optional JSON Schema document the step result must satisfy.
	// It is compiled when a run prepares the plan.
	Schema json.RawMessage `json:"schema,omitempty"`
	Retry  *RetryPolicy    `json:"retry,omitempty"`

	// Validator checks step results. Set directly when building plans in Go.
	Validator Validator `json:"-"`
}

// RetryPolicy configures retry behavior. Max counts extra attempts beyond the first.
type RetryPolicy struct {
	Max       int  `json:"max"`
	BackoffMs *int `json:"backoffMs,omitempty"`
}

// Backoff returns the linear backoff unit for the policy.
func (r *RetryPolicy) Backoff() time.Duration {
	if r == nil {
		return 0
	}
	if r.BackoffMs == nil {
		return DefaultBackoff
	}
	if *r.BackoffMs <= 0 {
		return 0
	}
	return time.Duration(*r.BackoffMs) * time.Millisecond
}

// Validator is the capability the runner needs from a result schema.
// Schema libraries are adapted to it at the boundary.
type Validator interface {
	Validate(value any) error
}

// ValidatorFunc adapts a plain function to Validator.
type ValidatorFunc func(value any) error

// Validate calls f(value).
func (f ValidatorFunc) Validate(value any) error { return f(value) }

// Kind returns the step kind, or "" if the step carries no payload or more
// than one.
func (s *Step) Kind() StepKind {
	var kind StepKind
	n := 0
	if s.Model != nil {
		kind, n = StepKindModel, n+1
	}
	if s.Tool != nil {
		kind, n = StepKindTool, n+1
	}
	if s.Parallel != nil {
		kind, n = StepKindParallel, n+1
	}
	if s.Branch != nil {
		kind, n = StepKindBranch, n+1
	}
	if s.Map != nil {
		kind, n = StepKindMap, n+1
	}
	if n != 1 {
		return ""
	}
	return kind
}

// IsLeaf reports whether the step calls a collaborator directly.
func (s *Step) IsLeaf() bool {
	k := s.Kind()
	return k == StepKindModel || k == StepKindTool
}

// InputFrom returns the upstream step ids a leaf step reads from.
func (s *Step) InputFrom() []string {
	switch s.Kind() {
	case StepKindModel:
		return s.Model.InputFrom
	case StepKindTool:
		return s.Tool.InputFrom
	}
	return nil
}

// Kind returns the template kind (model or tool), or "" when invalid.
func (t *StepTemplate) Kind() StepKind {
	switch {
	case t.Model != nil && t.Tool == nil:
		return StepKindModel
	case t.Tool != nil && t.Model == nil:
		return StepKindTool
	}
	return ""
}

// Instantiate builds a concrete step with the given id from the template.
func (t *StepTemplate) Instantiate(id string) Step {
	return Step{
		ID:             id,
		Guard:          t.Guard,
		CacheKey:       t.CacheKey,
		TimeoutMs:      t.TimeoutMs,
		IdempotencyKey: t.IdempotencyKey,
		Model:          t.Model,
		Tool:           t.Tool,
	}
}

// Index returns the plan's steps keyed by id. Later duplicates win.
func (p *Plan) Index() map[string]*Step {
	idx := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		idx[p.Steps[i].ID] = &p.Steps[i]
	}
	return idx
}

// Owned returns the ids of steps referenced as composite children
// (parallel children and branch targets). The top-level walk skips them.
func (p *Plan) Owned() map[string]bool {
	owned := make(map[string]bool)
	for i := range p.Steps {
		s := &p.Steps[i]
		switch s.Kind() {
		case StepKindParallel:
			for _, id := range s.Parallel.Children {
				owned[id] = true
			}
		case StepKindBranch:
			for _, c := range s.Branch.Branches {
				for _, id := range c.Then {
					owned[id] = true
				}
			}
			for _, id := range s.Branch.Else {
				owned[id] = true
			}
		}
	}
	return owned
}
