package store

import (
	"github.com/rendis/plangraph/pkg/schema"
)

// Replay folds a run's events into per-step summaries. Events must be in
// sequence order starting at 1; a gap is reported as a STORE_ERROR.
// Composite steps emit no events and therefore have no summary.
func Replay(runID string, events []*RunEvent) (map[string]*StepSummary, error) {
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
	}

	steps := make(map[string]*StepSummary)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := steps[e.StepID]
		if !ok {
			ss = &StepSummary{StepID: e.StepID}
			steps[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStart:
			ss.Status = StepStatusRunning
			ss.Attempts = max(ss.Attempts, 1)
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepRetry:
			ss.Status = StepStatusRetrying
			// The event carries the failed attempt; the next one follows.
			ss.Attempts = max(ss.Attempts, e.Attempt+1)

		case schema.EventStepDone:
			ss.Status = StepStatusCompleted
			ss.Cached = e.Cached
			ss.Output = e.Payload
			ts := e.Timestamp
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}
		}
	}
	return steps, nil
}
