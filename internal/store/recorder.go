package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/rendis/plangraph/pkg/schema"
)

// Recorder persists the events of one run. Its Sink is plugged into
// RunOptions.OnEvent; Finish records the outcome once Run returns.
//
// Store failures never reach the runner: they are logged and the first one
// is kept for Err.
type Recorder struct {
	store  Store
	runID  string
	taskID string
	input  any
	logger *slog.Logger
	ctx    context.Context

	mu       sync.Mutex
	created  bool
	finished bool
	err      error
}

// NewRecorder creates a recorder for runID. ctx bounds every store write
// made from the sink.
func NewRecorder(ctx context.Context, st Store, runID, taskID string, input any, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  st,
		runID:  runID,
		taskID: taskID,
		input:  input,
		logger: logger.With(slog.String("run_id", runID)),
		ctx:    ctx,
	}
}

// RunID returns the run this recorder writes to.
func (r *Recorder) RunID() string { return r.runID }

// Sink returns the event sink. Writes are serialized so sequence numbers
// follow emission order.
func (r *Recorder) Sink() schema.Sink {
	return func(ev schema.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.record(ev)
	}
}

func (r *Recorder) record(ev schema.Event) {
	if ev.Type == schema.EventPlan {
		r.createRun(ev.Plan)
	}
	if !r.created {
		return
	}

	entry := &RunEvent{
		RunID:   r.runID,
		Type:    ev.Type,
		StepID:  ev.StepID,
		Attempt: ev.Attempt,
		Cached:  ev.Cached,
	}
	switch ev.Type {
	case schema.EventStepDone:
		entry.Payload = r.marshal("output", ev.Output)
	case schema.EventDone:
		entry.Payload = r.marshal("outputs", ev.Outputs)
	}
	if err := r.store.AppendEvent(r.ctx, entry); err != nil {
		r.fail("append event", err)
		return
	}

	if ev.Type == schema.EventDone {
		r.finish(RunResult{Status: RunStatusCompleted, Outputs: entry.Payload})
	}
}

func (r *Recorder) createRun(p *schema.Plan) {
	if r.created || p == nil {
		return
	}
	run := &Run{
		ID:     r.runID,
		PlanID: p.ID,
		TaskID: r.taskID,
		Plan:   r.marshal("plan", p),
		Input:  r.marshal("input", r.input),
	}
	if err := r.store.CreateRun(r.ctx, run); err != nil {
		r.fail("create run", err)
		return
	}
	r.created = true
}

// Finish records a failed run when runErr is non-nil. Successful runs are
// finalized by the done event. Runs rejected before the plan event leave no
// record. It returns the first store error seen by the recorder.
func (r *Recorder) Finish(ctx context.Context, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if runErr != nil && r.created && !r.finished {
		result := RunResult{Status: RunStatusFailed, Error: runErr.Error()}
		var pe *schema.PlanError
		if errors.As(runErr, &pe) {
			result.ErrorCode = pe.Code
		}
		prev := r.ctx
		r.ctx = ctx
		r.finish(result)
		r.ctx = prev
	}
	return r.err
}

// Err returns the first store error seen by the recorder.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder) finish(result RunResult) {
	if err := r.store.FinishRun(r.ctx, r.runID, result); err != nil {
		r.fail("finish run", err)
		return
	}
	r.finished = true
}

func (r *Recorder) marshal(what string, v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn("run history: value is not JSON-encodable", slog.String("value", what), slog.Any("error", err))
		return nil
	}
	return b
}

func (r *Recorder) fail(op string, err error) {
	r.logger.Warn("run history write failed", slog.String("op", op), slog.Any("error", err))
	if r.err == nil {
		r.err = err
	}
}
