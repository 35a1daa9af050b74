// Package metrics exposes Prometheus metrics derived from run events.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/plangraph/pkg/schema"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Collector owns the plan run metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	stepStarts      *prometheus.CounterVec
	stepRetries     *prometheus.CounterVec
	stepCompletions *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
}

// NewCollector registers the metrics on reg, or on a fresh registry when
// reg is nil.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		stepStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangraph_step_starts_total",
				Help: "Leaf steps started, by plan",
			},
			[]string{"plan"},
		),
		stepRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangraph_step_retries_total",
				Help: "Leaf step retries, by plan",
			},
			[]string{"plan"},
		),
		stepCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangraph_step_completions_total",
				Help: "Leaf steps completed, by plan and whether the result came from the cache",
			},
			[]string{"plan", "cached"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plangraph_runs_total",
				Help: "Finished plan runs, by plan and outcome",
			},
			[]string{"plan", "outcome", "error_code"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plangraph_run_duration_seconds",
				Help:    "Wall time of finished plan runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"plan", "outcome"},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "plangraph_active_runs",
				Help: "Plan runs currently in flight",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Track starts observing one run.
func (c *Collector) Track() *RunTracker {
	return &RunTracker{c: c, now: time.Now}
}

// RunTracker turns the events of one run into metric updates. Use Sink as
// the run's event sink and call Finish once Run returns.
type RunTracker struct {
	c   *Collector
	now func() time.Time

	mu       sync.Mutex
	planID   string
	started  time.Time
	finished bool
}

// Sink returns the event sink for this run.
func (t *RunTracker) Sink() schema.Sink {
	return func(ev schema.Event) {
		t.mu.Lock()
		defer t.mu.Unlock()

		switch ev.Type {
		case schema.EventPlan:
			if ev.Plan != nil {
				t.planID = ev.Plan.ID
			}
			t.started = t.now()
			t.c.activeRuns.Inc()
		case schema.EventStepStart:
			t.c.stepStarts.WithLabelValues(t.planID).Inc()
		case schema.EventStepRetry:
			t.c.stepRetries.WithLabelValues(t.planID).Inc()
		case schema.EventStepDone:
			t.c.stepCompletions.WithLabelValues(t.planID, cachedLabel(ev.Cached)).Inc()
		case schema.EventDone:
			t.finish(nil)
		}
	}
}

// Finish records a failed run when err is non-nil. Completed runs are
// recorded by the done event; runs rejected before the plan event are not
// counted.
func (t *RunTracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.finish(err)
	}
}

func (t *RunTracker) finish(err error) {
	if t.finished || t.started.IsZero() {
		return
	}
	t.finished = true
	t.c.activeRuns.Dec()

	outcome, code := OutcomeCompleted, ""
	if err != nil {
		outcome, code = OutcomeFailed, schema.ErrCodeStepFailed
		var pe *schema.PlanError
		if errors.As(err, &pe) {
			code = pe.Code
		}
	}
	t.c.runs.WithLabelValues(t.planID, outcome, code).Inc()
	t.c.runDuration.WithLabelValues(t.planID, outcome).Observe(t.now().Sub(t.started).Seconds())
}

func cachedLabel(cached bool) string {
	if cached {
		return "true"
	}
	return "false"
}
