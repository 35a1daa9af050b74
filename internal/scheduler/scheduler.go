package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/plangraph/pkg/schema"
)

// DefaultTick is how often the scheduler looks for due jobs.
const DefaultTick = 30 * time.Second

// Job status values recorded after each run.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Job runs a plan template on a cron schedule.
type Job struct {
	ID       string `json:"id"`
	Cron     string `json:"cron"`
	Template string `json:"template"`
	// Input is the base input handed to every run.
	Input any `json:"input,omitempty"`

	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Runs       int        `json:"runs"`
}

// PlanRunner executes one scheduled run. It is given a copy of the job.
type PlanRunner interface {
	RunScheduled(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to PlanRunner.
type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) RunScheduled(ctx context.Context, job Job) error { return f(ctx, job) }

// Scheduler triggers plan runs for due jobs. A job never overlaps with
// itself: a tick that finds the previous run still in flight skips it.
type Scheduler struct {
	runner PlanRunner
	parser cron.Parser
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
	wg         sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the polling interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Cron expressions use five fields or a
// descriptor such as @hourly or @every 10m.
func New(runner PlanRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		tick:     DefaultTick,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job and computes its first run time.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" || job.Template == "" {
		return schema.NewError(schema.ErrCodeValidation, "job id and template are required")
	}
	next, err := s.NextRun(job.Cron, s.now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %q: %s", job.ID, err.Error()).WithCause(err)
	}
	job.NextRunAt = next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already scheduled", job.ID)
	}
	s.jobs[job.ID] = &job
	return nil
}

// Remove unschedules a job. A run in flight is not interrupted.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns copies of the scheduled jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// NextRun computes the next run time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue starts every job whose next run time has passed. Each run gets
// its own goroutine so a slow plan does not delay other jobs.
func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []Job
	for _, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, *j)
		}
	}
	s.mu.Unlock()

	started := 0
	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			s.logger.Debug("scheduled job still running, skipping", slog.String("job_id", job.ID))
			continue
		}
		started++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(job.ID)
			s.runJob(ctx, job, now)
		}()
	}
	return started
}

func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("template", job.Template),
	)

	err := s.runner.RunScheduled(ctx, job)
	status, errMsg := StatusSuccess, ""
	if err != nil {
		status, errMsg = StatusError, err.Error()
		s.logger.Error("scheduled job failed",
			slog.String("job_id", job.ID),
			slog.String("error", errMsg),
		)
	}

	next, nerr := s.NextRun(job.Cron, now)
	if nerr != nil {
		s.logger.Error("calculate next run", slog.String("job_id", job.ID), slog.String("error", nerr.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	j.LastRunAt = &now
	j.NextRunAt = next
	j.LastStatus = status
	j.LastError = errMsg
	j.Runs++
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop ends the loop and waits for runs in flight.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	<-done
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}
