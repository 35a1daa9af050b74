// Package service ties the runner to the supporting infrastructure: tool
// registry, plan templates and generators, run history, metrics and the
// live event hub. The CLI, the MCP server and the scheduler all run plans
// through it.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/plangraph/internal/cache"
	"github.com/rendis/plangraph/internal/diagram"
	"github.com/rendis/plangraph/internal/engine"
	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/internal/metrics"
	"github.com/rendis/plangraph/internal/planner"
	"github.com/rendis/plangraph/internal/scheduler"
	"github.com/rendis/plangraph/internal/store"
	"github.com/rendis/plangraph/internal/streaming"
	"github.com/rendis/plangraph/internal/tools"
	"github.com/rendis/plangraph/internal/validation"
	"github.com/rendis/plangraph/pkg/schema"
)

// AgentCatalog reports which agents model steps can reach.
type AgentCatalog interface {
	HasAgent(id string) bool
}

// Deps holds the collaborators of a Service. Runner and Tools are required;
// the rest are optional.
type Deps struct {
	Runner    *engine.Runner
	Agents    AgentCatalog
	Tools     *tools.Registry
	Templates *planner.Templates
	// Generator plans free-form goals.
	Generator planner.Generator
	Store     store.Store
	Metrics   *metrics.Collector
	Hub       streaming.EventHub
	Cache     cache.StepCache
	// Defaults seed every run's options. OnEvent and Cache are ignored.
	Defaults engine.RunOptions
	Logger   *slog.Logger
}

// Service runs plans with history, metrics and live events attached.
type Service struct {
	runner    *engine.Runner
	agents    AgentCatalog
	tools     *tools.Registry
	templates *planner.Templates
	generator planner.Generator
	store     store.Store
	metrics   *metrics.Collector
	hub       streaming.EventHub
	cache     cache.StepCache
	defaults  engine.RunOptions
	logger    *slog.Logger
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Runner == nil || deps.Tools == nil {
		return nil, fmt.Errorf("service: runner and tools are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	templates := deps.Templates
	if templates == nil {
		templates = planner.NewTemplates(deps.Runner.Validator())
	}
	return &Service{
		runner:    deps.Runner,
		agents:    deps.Agents,
		tools:     deps.Tools,
		templates: templates,
		generator: deps.Generator,
		store:     deps.Store,
		metrics:   deps.Metrics,
		hub:       deps.Hub,
		cache:     deps.Cache,
		defaults:  deps.Defaults,
		logger:    logger,
	}, nil
}

// RunRequest names what to run. Exactly one of Plan, Template or Goal is
// used, in that order of precedence. Plans generated for a goal receive
// {"goal": Goal, "input": Input} as their base input.
type RunRequest struct {
	Plan     *schema.Plan
	Template string
	Goal     string

	Input       any
	TaskID      string
	MemoryScope string
	// RunID is generated when empty.
	RunID string
	// NoCache disables the step cache for this run.
	NoCache bool
	// OnEvent receives the run's events next to the built-in sinks.
	OnEvent schema.Sink
}

// RunResult is a completed run.
type RunResult struct {
	RunID    string         `json:"run_id"`
	PlanID   string         `json:"plan_id"`
	Outputs  map[string]any `json:"outputs"`
	Duration time.Duration  `json:"duration"`
}

// Templates returns the template registry.
func (s *Service) Templates() *planner.Templates { return s.templates }

// Tools returns the tool registry.
func (s *Service) Tools() *tools.Registry { return s.tools }

// Validator returns a plan validator that also checks the registered tools
// and, when known, agents.
func (s *Service) Validator() *validation.PlanValidator {
	return s.runner.Validator().WithCatalog(catalog{agents: s.agents, tools: s.tools})
}

// ResolvePlan picks the plan a request runs.
func (s *Service) ResolvePlan(ctx context.Context, req RunRequest) (*schema.Plan, error) {
	switch {
	case req.Plan != nil:
		return req.Plan, nil
	case req.Template != "":
		tpl, err := s.templates.Get(req.Template)
		if err != nil {
			return nil, err
		}
		return tpl.Plan, nil
	case req.Goal != "":
		if s.generator == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "no plan generator configured")
		}
		return s.generator.Generate(ctx, planner.Task{Goal: req.Goal, Input: req.Input})
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "a plan, template or goal is required")
}

// Run resolves and executes a plan. Events go to run history, metrics and
// the hub when configured; their failures are logged and never fail the run.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	plan, err := s.ResolvePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	input := req.Input
	if req.Plan == nil && req.Template == "" {
		// Generated plans see the goal next to the caller's input.
		input = map[string]any{"goal": req.Goal, "input": req.Input}
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	var (
		recorder *store.Recorder
		tracker  *metrics.RunTracker
		sinks    []schema.Sink
	)
	if s.store != nil {
		recorder = store.NewRecorder(context.WithoutCancel(ctx), s.store, runID, req.TaskID, input, s.logger)
		sinks = append(sinks, recorder.Sink())
	}
	if s.metrics != nil {
		tracker = s.metrics.Track()
		sinks = append(sinks, tracker.Sink())
	}
	if s.hub != nil {
		sinks = append(sinks, streaming.HubSink(s.hub, runID))
	}
	sinks = append(sinks, req.OnEvent)

	opts := s.defaults
	opts.OnEvent = schema.MultiSink(sinks...)
	opts.Cache = nil
	if !req.NoCache {
		opts.Cache = s.cache
	}

	rc := engine.RunContext{
		RunID:       runID,
		TaskID:      req.TaskID,
		Input:       input,
		Tools:       s.tools.Tools(),
		MemoryScope: req.MemoryScope,
	}

	started := time.Now()
	outputs, runErr := s.runner.Run(ctx, plan, rc, opts)

	if recorder != nil {
		if err := recorder.Finish(context.WithoutCancel(ctx), runErr); err != nil {
			s.logger.WarnContext(ctx, "run history incomplete", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	if tracker != nil {
		tracker.Finish(runErr)
	}
	if runErr != nil {
		return nil, runErr
	}
	return &RunResult{
		RunID:    runID,
		PlanID:   plan.ID,
		Outputs:  outputs,
		Duration: time.Since(started),
	}, nil
}

// RunScheduled runs a scheduled job's template with the job's input.
func (s *Service) RunScheduled(ctx context.Context, job scheduler.Job) error {
	_, err := s.Run(ctx, RunRequest{Template: job.Template, Input: job.Input, TaskID: "schedule:" + job.ID})
	return err
}

// Validate decodes a plan document and runs the full validation pipeline
// against the registered collaborators. A decode failure is returned as an
// error; plan problems are reported in the result.
func (s *Service) Validate(doc []byte) (*schema.Plan, *schema.ValidationResult, error) {
	plan, err := schema.DecodePlan(doc)
	if err != nil {
		return nil, nil, err
	}
	return plan, s.Validator().Validate(plan), nil
}

// History lists recorded runs.
func (s *Service) History(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	if s.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "run history is not configured")
	}
	return s.store.ListRuns(ctx, filter)
}

// RunDetail is a recorded run with its replayed steps.
type RunDetail struct {
	Run   *store.Run                    `json:"run"`
	Plan  *schema.Plan                  `json:"plan,omitempty"`
	Steps map[string]*store.StepSummary `json:"steps"`
}

// Inspect loads a recorded run and replays its events.
func (s *Service) Inspect(ctx context.Context, runID string) (*RunDetail, error) {
	if s.store == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "run history is not configured")
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	steps, err := store.Replay(runID, events)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: run, Steps: steps}
	if len(run.Plan) > 0 {
		if plan, err := schema.DecodePlan(run.Plan); err == nil {
			detail.Plan = plan
		} else {
			s.logger.WarnContext(ctx, "stored plan does not decode", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	return detail, nil
}

// DiagramRequest names what to draw. RunID wins over Template, which wins
// over Plan.
type DiagramRequest struct {
	Plan     *schema.Plan
	Template string
	RunID    string
}

// Diagram builds the diagram model of a plan. Recorded runs are drawn with
// their step status overlay.
func (s *Service) Diagram(ctx context.Context, req DiagramRequest) (*diagram.DiagramModel, error) {
	switch {
	case req.RunID != "":
		detail, err := s.Inspect(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		if detail.Plan == nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "run %q has no readable plan", req.RunID)
		}
		return diagram.Build(detail.Plan, detail.Steps, detail.Run.Status)
	case req.Template != "":
		tpl, err := s.templates.Get(req.Template)
		if err != nil {
			return nil, err
		}
		return diagram.Build(tpl.Plan, nil, "")
	case req.Plan != nil:
		return diagram.Build(req.Plan, nil, "")
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "a plan, template or run id is required")
}

// catalog checks collaborators against the registered agents and tools.
// Without an agent catalog every agent is accepted.
type catalog struct {
	agents AgentCatalog
	tools  *tools.Registry
}

func (c catalog) HasAgent(id string) bool {
	return c.agents == nil || c.agents.HasAgent(id)
}

func (c catalog) HasTool(id string) bool {
	return c.tools.HasTool(id)
}
