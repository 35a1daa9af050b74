package schema

// EventType names a lifecycle point of a plan run.
type EventType string

const (
	EventPlan      EventType = "plan"
	EventStepStart EventType = "step:start"
	EventStepRetry EventType = "step:retry"
	EventStepDone  EventType = "step:done"
	EventDone      EventType = "done"
)

// Event is delivered to a Sink at each lifecycle point. Only the fields
// relevant to Type are set.
type Event struct {
	Type    EventType      `json:"type"`
	Plan    *Plan          `json:"plan,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Attempt int            `json:"attempt,omitempty"`
	Output  any            `json:"output,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	// Cached is set on step:done events served from the step cache.
	Cached bool `json:"cached,omitempty"`
}

// Sink receives run events synchronously. Implementations must not panic and
// must be safe for concurrent use: steps inside parallel and map groups emit
// from their own goroutines.
type Sink func(Event)

// Emit calls s with ev if s is non-nil.
func (s Sink) Emit(ev Event) {
	if s != nil {
		s(ev)
	}
}

// MultiSink fans an event out to every non-nil sink in order.
func MultiSink(sinks ...Sink) Sink {
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(ev Event) {
		for _, s := range active {
			s(ev)
		}
	}
}
