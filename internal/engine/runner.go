package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/plangraph/internal/cache"
	"github.com/rendis/plangraph/internal/expressions"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

// DefaultMaxConcurrency sizes group pools when neither the group nor the run
// sets a limit.
const DefaultMaxConcurrency = 3

// Budget is a wall-clock ceiling for a whole run.
type Budget struct {
	MaxLatency time.Duration
}

// RunOptions tune one run.
type RunOptions struct {
	// MaxConcurrency sizes parallel and map pools without their own limit.
	// Pools are per group, so nested groups may exceed it in aggregate.
	MaxConcurrency int
	// Cache enables step caching for steps with a cacheKey.
	Cache cache.StepCache
	// DefaultStepTTL is how long cached results live. Default 300s.
	DefaultStepTTL time.Duration
	// StepTimeout applies to steps without their own timeoutMs.
	StepTimeout time.Duration
	Budget      *Budget
	OnEvent     schema.Sink
}

// RunContext carries the caller's inputs for one run.
type RunContext struct {
	// RunID correlates logs and events. Generated when empty.
	RunID  string
	TaskID string
	// Input is the base input of steps with no inputFrom.
	Input       any
	Tools       map[string]Tool
	MemoryScope string
}

// RunnerConfig configures a Runner. Every field is optional.
type RunnerConfig struct {
	Logger    *slog.Logger
	Validator *validation.PlanValidator
	Evaluator *expressions.Evaluator
	// CircuitBreaker, when set, short-circuits collaborators that keep failing.
	// It is shared by every run of the Runner.
	CircuitBreaker *CircuitBreakerRegistry
	// StrictCollaborators rejects plans naming agents or tools the run
	// cannot reach before any step executes. Otherwise the lookup fails when
	// the step runs.
	StrictCollaborators bool
}

// Runner executes plans. A Runner is safe for concurrent use; each Run owns
// its outputs map, event sink and pools.
//
// Parallel and map groups fail fast: the first child error is returned at
// once and no further child starts, but children already running are not
// cancelled. They finish in the background and their results and events are
// dropped. Tools that must stop early should watch their context, which is
// cancelled on step timeout and when the caller cancels the run.
type Runner struct {
	agents    AgentInvoker
	logger    *slog.Logger
	validator *validation.PlanValidator
	evaluator *expressions.Evaluator
	breakers  *CircuitBreakerRegistry
	strict    bool
}

// NewRunner creates a Runner that sends model steps to agents.
func NewRunner(agents AgentInvoker, cfg RunnerConfig) (*Runner, error) {
	r := &Runner{
		agents:    agents,
		logger:    cfg.Logger,
		validator: cfg.Validator,
		evaluator: cfg.Evaluator,
		breakers:  cfg.CircuitBreaker,
		strict:    cfg.StrictCollaborators,
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	if r.validator == nil {
		v, err := validation.NewPlanValidator(nil)
		if err != nil {
			return nil, err
		}
		r.validator = v
	}
	if r.evaluator == nil {
		ev, err := expressions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		r.evaluator = ev
	}
	return r, nil
}

// Validator returns the plan validator the Runner prepares plans with.
func (r *Runner) Validator() *validation.PlanValidator { return r.validator }

// Run validates and executes plan. It returns the outputs named by
// plan.Outputs (steps that never ran map to nil) or the first fatal error.
// There is no partial result.
func (r *Runner) Run(ctx context.Context, plan *schema.Plan, rc RunContext, opts RunOptions) (map[string]any, error) {
	if rc.RunID == "" {
		rc.RunID = uuid.NewString()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.DefaultStepTTL <= 0 {
		opts.DefaultStepTTL = cache.DefaultTTL
	}

	validator := r.validator
	if r.strict {
		validator = validator.WithCatalog(collaboratorCatalog{agents: r.agents, tools: rc.Tools})
	}
	guards, err := validator.Prepare(plan)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithRun(ctx, rc.RunID, plan.ID, rc.TaskID)
	ex := &execution{
		runner:  r,
		plan:    plan,
		index:   plan.Index(),
		guards:  guards,
		rc:      rc,
		opts:    opts,
		outputs: NewOutputs(),
		started: time.Now(),
	}
	defer ex.closed.Store(true)

	r.logger.InfoContext(ctx, "plan run started", slog.Int("steps", len(plan.Steps)))
	ex.emit(schema.Event{Type: schema.EventPlan, Plan: plan})

	owned := plan.Owned()
	for i := range plan.Steps {
		s := &plan.Steps[i]
		if owned[s.ID] {
			continue
		}
		if err := ex.runStep(ctx, s); err != nil {
			r.logger.ErrorContext(ctx, "plan run failed",
				slog.String(logging.StepIDKey, s.ID),
				slog.Duration("elapsed", time.Since(ex.started)),
				slog.Any("error", err))
			return nil, err
		}
	}

	result := ex.outputs.Project(plan.Outputs)
	ex.emit(schema.Event{Type: schema.EventDone, Outputs: result})
	r.logger.InfoContext(ctx, "plan run completed", slog.Duration("elapsed", time.Since(ex.started)))
	return result, nil
}

// execution is the state of one Run.
type execution struct {
	runner  *Runner
	plan    *schema.Plan
	index   map[string]*schema.Step
	guards  validation.GuardSet
	rc      RunContext
	opts    RunOptions
	outputs *Outputs
	started time.Time

	// closed is set once Run returns. Abandoned group children check it so
	// their late results never reach the sink.
	closed atomic.Bool
}

func (ex *execution) emit(ev schema.Event) {
	if ex.closed.Load() {
		return
	}
	ex.opts.OnEvent.Emit(ev)
}

// store records a step result unless the run has already returned.
func (ex *execution) store(id string, v any) {
	if ex.closed.Load() {
		return
	}
	ex.outputs.Set(id, v)
}

// checkBudget fails once the run has been going for longer than its budget.
func (ex *execution) checkBudget(stepID string) error {
	b := ex.opts.Budget
	if b == nil || b.MaxLatency <= 0 {
		return nil
	}
	if elapsed := time.Since(ex.started); elapsed > b.MaxLatency {
		return schema.NewErrorf(schema.ErrCodeBudgetExceeded,
			"run exceeded its %s budget after %s", b.MaxLatency, elapsed.Round(time.Millisecond)).
			WithStep(stepID)
	}
	return nil
}

// scope returns a resolver scope over the outputs produced so far.
func (ex *execution) scope() *expressions.Scope {
	return expressions.NewScope(ex.outputs.Snapshot())
}
