package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/plangraph/internal/logging"
	"github.com/rendis/plangraph/pkg/schema"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingRunner counts runs per job.
type recordingRunner struct {
	mu    sync.Mutex
	runs  map[string]int
	input []any
	err   error
	block chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{runs: make(map[string]int)}
}

func (r *recordingRunner) RunScheduled(_ context.Context, job Job) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[job.ID]++
	r.input = append(r.input, job.Input)
	return r.err
}

func (r *recordingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func newTestScheduler(runner PlanRunner, c *clock) *Scheduler {
	return New(runner, logging.Discard(), WithClock(c.Now))
}

func TestScheduler_AddComputesNextRun(t *testing.T) {
	c := newClock()
	s := newTestScheduler(newRecordingRunner(), c)

	require.NoError(t, s.Add(Job{ID: "hourly", Cron: "0 * * * *", Template: "echo"}))
	require.NoError(t, s.Add(Job{ID: "every", Cron: "@every 10m", Template: "echo"}))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "every", jobs[0].ID)
	assert.Equal(t, c.Now().Add(10*time.Minute), jobs[0].NextRunAt)
	assert.Equal(t, time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), jobs[1].NextRunAt)
}

func TestScheduler_AddErrors(t *testing.T) {
	s := newTestScheduler(newRecordingRunner(), newClock())

	err := s.Add(Job{ID: "bad", Cron: "not a cron", Template: "echo"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = s.Add(Job{Cron: "@hourly"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	require.NoError(t, s.Add(Job{ID: "j", Cron: "@hourly", Template: "echo"}))
	err = s.Add(Job{ID: "j", Cron: "@hourly", Template: "echo"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	require.NoError(t, s.Remove("j"))
	assert.True(t, schema.HasCode(s.Remove("j"), schema.ErrCodeNotFound))
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	c := newClock()
	runner := newRecordingRunner()
	s := newTestScheduler(runner, c)
	require.NoError(t, s.Add(Job{ID: "j", Cron: "@every 1m", Template: "echo", Input: map[string]any{"q": "x"}}))

	assert.Equal(t, 0, s.runDue(context.Background()), "not due yet")

	c.Advance(time.Minute)
	assert.Equal(t, 1, s.runDue(context.Background()))
	s.wg.Wait()

	assert.Equal(t, 1, runner.count("j"))
	assert.Equal(t, []any{map[string]any{"q": "x"}}, runner.input)

	job := s.Jobs()[0]
	assert.Equal(t, StatusSuccess, job.LastStatus)
	assert.Equal(t, 1, job.Runs)
	require.NotNil(t, job.LastRunAt)
	assert.Equal(t, c.Now(), *job.LastRunAt)
	assert.Equal(t, c.Now().Add(time.Minute), job.NextRunAt)

	assert.Equal(t, 0, s.runDue(context.Background()), "next run moved forward")
}

func TestScheduler_RecordsFailures(t *testing.T) {
	c := newClock()
	runner := newRecordingRunner()
	runner.err = errors.New("plan failed")
	s := newTestScheduler(runner, c)
	require.NoError(t, s.Add(Job{ID: "j", Cron: "@every 1m", Template: "echo"}))

	c.Advance(time.Minute)
	s.runDue(context.Background())
	s.wg.Wait()

	job := s.Jobs()[0]
	assert.Equal(t, StatusError, job.LastStatus)
	assert.Equal(t, "plan failed", job.LastError)
}

func TestScheduler_NoOverlap(t *testing.T) {
	c := newClock()
	runner := newRecordingRunner()
	runner.block = make(chan struct{})
	s := newTestScheduler(runner, c)
	require.NoError(t, s.Add(Job{ID: "slow", Cron: "@every 1m", Template: "echo"}))

	c.Advance(time.Minute)
	assert.Equal(t, 1, s.runDue(context.Background()))
	c.Advance(time.Minute)
	assert.Equal(t, 0, s.runDue(context.Background()), "previous run still in flight")

	close(runner.block)
	s.wg.Wait()
	assert.Equal(t, 1, runner.count("slow"))
}

func TestScheduler_StartStop(t *testing.T) {
	var runs atomic.Int32
	c := newClock()
	s := New(RunnerFunc(func(context.Context, Job) error {
		runs.Add(1)
		return nil
	}), logging.Discard(), WithClock(c.Now), WithTick(10*time.Millisecond))
	require.NoError(t, s.Add(Job{ID: "j", Cron: "@every 1m", Template: "echo"}))
	c.Advance(time.Minute)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "already started")

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// The clock did not move, so only one run happened.
	assert.Equal(t, int32(1), runs.Load())
}

func TestNextRun(t *testing.T) {
	s := New(nil, logging.Discard())
	from := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	next, err := s.NextRun("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), next)

	_, err = s.NextRun("61 * * * *", from)
	assert.Error(t, err)
}
