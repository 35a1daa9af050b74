package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/plangraph/pkg/schema"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted record of one plan execution.
type Run struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	TaskID      string          `json:"task_id,omitempty"`
	Status      RunStatus       `json:"status"`
	Plan        json.RawMessage `json:"plan"`
	Input       json.RawMessage `json:"input,omitempty"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Duration returns the wall time of a finished run, or zero while running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunResult finalizes a run.
type RunResult struct {
	Status    RunStatus
	Outputs   json.RawMessage
	ErrorCode string
	Error     string
	// CompletedAt defaults to now.
	CompletedAt time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	PlanID string
	Status RunStatus
	Since  *time.Time
	Limit  int
}

// RunEvent is an immutable entry in a run's event log.
type RunEvent struct {
	ID        int64            `json:"id"`
	RunID     string           `json:"run_id"`
	Sequence  int64            `json:"sequence"`
	Type      schema.EventType `json:"event_type"`
	StepID    string           `json:"step_id,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Cached    bool             `json:"cached,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// StepStatus is the state of a step reconstructed from the event log.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
)

// StepSummary is a per-step view rebuilt by Replay. A step whose last
// status is running or retrying when the run failed is the one that failed.
type StepSummary struct {
	StepID      string          `json:"step_id"`
	Status      StepStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	Cached      bool            `json:"cached,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}
