package streaming

import (
	"context"

	"github.com/rendis/plangraph/pkg/schema"
)

// StreamEvent is a run event as seen by live subscribers.
type StreamEvent struct {
	RunID   string           `json:"run_id"`
	PlanID  string           `json:"plan_id,omitempty"`
	StepID  string           `json:"step_id,omitempty"`
	Type    schema.EventType `json:"type"`
	Attempt int              `json:"attempt,omitempty"`
	Cached  bool             `json:"cached,omitempty"`
	Payload any              `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID string             `json:"run_id,omitempty"`
	Types []schema.EventType `json:"types,omitempty"`
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// HubSink adapts a hub to the runner's event sink. The payload carries the
// plan for plan events, the output for step:done and the projected outputs
// for done. Publish errors are dropped: a sink must not fail the run.
func HubSink(hub EventHub, runID string) schema.Sink {
	var planID string
	return func(ev schema.Event) {
		se := StreamEvent{
			RunID:   runID,
			StepID:  ev.StepID,
			Type:    ev.Type,
			Attempt: ev.Attempt,
			Cached:  ev.Cached,
		}
		switch ev.Type {
		case schema.EventPlan:
			if ev.Plan != nil {
				planID = ev.Plan.ID
			}
			se.Payload = ev.Plan
		case schema.EventStepDone:
			se.Payload = ev.Output
		case schema.EventDone:
			se.Payload = ev.Outputs
		}
		se.PlanID = planID
		_ = hub.Publish(context.Background(), se)
	}
}
