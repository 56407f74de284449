package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
)

// Executor runs a due job's payload.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// Default operational thresholds.
const (
	// DefaultMaxTimerDelay caps the timer arm to cope with sleep/wake skew.
	DefaultMaxTimerDelay = 60 * time.Second
	// DefaultStuckThreshold is how old a runningAtMs marker may be before
	// it is treated as crash residue.
	DefaultStuckThreshold = 10 * time.Minute
)

// Scheduler owns the persisted job list and dispatches due jobs from a
// single timer. All mutating operations serialise through a FIFO gate and
// persist before releasing it.
type Scheduler struct {
	path       string
	bus        *eventbus.Bus
	executor   Executor
	maxDelay   time.Duration
	stuckAfter time.Duration
	clock      func() time.Time

	gate *fifoGate
	jobs []*Job // guarded by gate

	timer   *time.Timer
	wake    chan struct{}
	stop    chan struct{}
	started atomic.Bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMaxTimerDelay overrides the timer clamp.
func WithMaxTimerDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.maxDelay = d }
}

// WithStuckThreshold overrides the crash-residue threshold.
func WithStuckThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.stuckAfter = d }
}

// New creates a Scheduler persisting to path.
func New(path string, bus *eventbus.Bus, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		path:       path,
		bus:        bus,
		executor:   executor,
		maxDelay:   DefaultMaxTimerDelay,
		stuckAfter: DefaultStuckThreshold,
		clock:      time.Now,
		gate:       newFifoGate(),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the job store, performs a single catch-up dispatch of the due
// set (collapsing missed ticks into one execution per job), and then arms
// the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	jobs, err := LoadJobs(s.path)
	if err != nil {
		return err
	}

	s.gate.lock()
	s.jobs = jobs
	s.gate.unlock()

	s.timer = time.NewTimer(s.maxDelay)

	// Missed-run recovery: one tick before the loop starts.
	s.tick(ctx)

	go s.loop(ctx)
	logger.Info(ctx, "Scheduler started", tag.Count(len(jobs)))
	return nil
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.started.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	logger.Info(ctx, "Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.timer.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick sweeps stale running markers, dispatches the due set in job order,
// and re-arms the timer.
func (s *Scheduler) tick(ctx context.Context) {
	s.gate.lock()
	defer s.gate.unlock()

	now := s.clock()
	nowMs := now.UnixMilli()
	dirty := false

	// Crash residue: clear running markers older than the threshold.
	for _, job := range s.jobs {
		if job.State.RunningAtMs != 0 && nowMs-job.State.RunningAtMs > s.stuckAfter.Milliseconds() {
			logger.Warn(ctx, "Clearing stale running marker", tag.JobID(job.ID))
			job.State.RunningAtMs = 0
			dirty = true
		}
	}

	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && job.State.RunningAtMs == 0 &&
			job.State.NextRunAtMs != 0 && job.State.NextRunAtMs <= nowMs {
			due = append(due, job)
		}
	}
	for _, job := range due {
		s.dispatch(ctx, job)
		dirty = false // dispatch persists
	}

	if dirty {
		s.persist(ctx)
	}
	s.arm()
}

// dispatch runs one job to completion. The gate is held throughout, which
// is what guarantees at-most-one execution per job.
func (s *Scheduler) dispatch(ctx context.Context, job *Job) {
	now := s.clock()
	nowMs := now.UnixMilli()

	job.State.RunningAtMs = nowMs
	s.persist(ctx)
	s.publish(job, "started", nil, 0)

	start := s.clock()
	err := s.executor.Execute(ctx, job)
	durMs := s.clock().Sub(start).Milliseconds()

	job.State.RunningAtMs = 0
	job.State.LastRunAtMs = nowMs
	job.State.LastDurationMs = durMs
	if err != nil {
		job.State.LastStatus = StatusError
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++
		logger.Error(ctx, "Job failed", tag.JobID(job.ID), tag.Error(err))
	} else {
		job.State.LastStatus = StatusOK
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0
	}

	// One-shot jobs do not fire again; a failed one-shot stays visible
	// with lastStatus=error unless deleteAfterRun removes it below.
	if job.Schedule.Kind == ScheduleAt {
		job.State.NextRunAtMs = 0
	} else if next, ok := ComputeNextRunAt(job.Schedule, s.clock()); ok {
		job.State.NextRunAtMs = next
	} else {
		job.State.NextRunAtMs = 0
	}
	job.UpdatedAtMs = s.clock().UnixMilli()

	if job.DeleteAfterRun && (err == nil || job.Schedule.Kind == ScheduleAt) {
		s.jobs = lo.Filter(s.jobs, func(j *Job, _ int) bool { return j.ID != job.ID })
		logger.Info(ctx, "Job removed after run", tag.JobID(job.ID))
	}

	s.persist(ctx)
	s.publish(job, "finished", err, durMs)
}

// JobSpec describes a new job.
type JobSpec struct {
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
}

// Add appends a job to the tail of the list.
func (s *Scheduler) Add(ctx context.Context, spec JobSpec) (*Job, error) {
	now := s.clock()
	job := &Job{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		Enabled:        spec.Enabled,
		Schedule:       spec.Schedule,
		Payload:        spec.Payload,
		DeleteAfterRun: spec.DeleteAfterRun,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if job.Enabled {
		if next, ok := ComputeNextRunAt(job.Schedule, now); ok {
			job.State.NextRunAtMs = next
		}
	}

	s.gate.lock()
	s.jobs = append(s.jobs, job)
	s.persist(ctx)
	s.gate.unlock()

	logger.Info(ctx, "Job added", tag.JobID(job.ID), "name", job.Name)
	s.poke()
	cp := *job
	return &cp, nil
}

// JobUpdate is a partial update; nil fields are left unchanged.
type JobUpdate struct {
	Name           *string   `json:"name,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Payload        *Payload  `json:"payload,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
}

// Update patches a job and recomputes its next run.
func (s *Scheduler) Update(ctx context.Context, id string, update JobUpdate) (*Job, error) {
	s.gate.lock()
	defer s.gate.unlock()

	job, ok := s.find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if update.Name != nil {
		job.Name = *update.Name
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.Schedule != nil {
		job.Schedule = *update.Schedule
	}
	if update.Payload != nil {
		job.Payload = *update.Payload
	}
	if update.DeleteAfterRun != nil {
		job.DeleteAfterRun = *update.DeleteAfterRun
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if job.Enabled {
		if next, ok := ComputeNextRunAt(job.Schedule, s.clock()); ok {
			job.State.NextRunAtMs = next
		} else {
			job.State.NextRunAtMs = 0
		}
	} else {
		// Disabled jobs clear their next run.
		job.State.NextRunAtMs = 0
	}
	job.UpdatedAtMs = s.clock().UnixMilli()
	s.persist(ctx)
	s.poke()
	cp := *job
	return &cp, nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.gate.lock()
	defer s.gate.unlock()

	if _, ok := s.find(id); !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.jobs = lo.Filter(s.jobs, func(j *Job, _ int) bool { return j.ID != id })
	s.persist(ctx)
	s.poke()
	logger.Info(ctx, "Job removed", tag.JobID(id))
	return nil
}

// RunNow dispatches a job immediately, outside its schedule. A job with a
// running marker is rejected.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*Job, error) {
	s.gate.lock()
	defer s.gate.unlock()

	job, ok := s.find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.RunningAtMs != 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.dispatch(ctx, job)
	cp := *job
	return &cp, nil
}

// Get returns a copy of the job.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.gate.lock()
	defer s.gate.unlock()

	job, ok := s.find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	cp := *job
	return &cp, nil
}

// List returns copies of all jobs in store order.
func (s *Scheduler) List() []*Job {
	s.gate.lock()
	defer s.gate.unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out
}

// RecomputeAll refreshes every enabled job's next run. It reports whether
// anything changed; calling it again immediately is a no-op.
func (s *Scheduler) RecomputeAll(ctx context.Context) (bool, error) {
	s.gate.lock()
	defer s.gate.unlock()

	now := s.clock()
	changed := false
	for _, job := range s.jobs {
		var next int64
		if job.Enabled {
			if v, ok := ComputeNextRunAt(job.Schedule, now); ok {
				next = v
			}
		}
		// Keep an already-armed future run; only fill missing or stale
		// values so the operation stays idempotent.
		if job.State.NextRunAtMs != 0 && job.State.NextRunAtMs > now.UnixMilli() && job.Enabled {
			continue
		}
		if job.State.NextRunAtMs != next {
			job.State.NextRunAtMs = next
			changed = true
		}
	}
	if changed {
		s.persist(ctx)
		s.poke()
	}
	return changed, nil
}

func (s *Scheduler) find(id string) (*Job, bool) {
	for _, job := range s.jobs {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// persist mirrors the in-memory list to disk. Caller holds the gate.
func (s *Scheduler) persist(ctx context.Context) {
	if err := SaveJobs(s.path, s.jobs); err != nil {
		logger.Error(ctx, "Failed to persist job store", tag.File(s.path), tag.Error(err))
	}
}

// arm resets the timer to the earliest next run, clamped to maxDelay.
// Caller holds the gate.
func (s *Scheduler) arm() {
	if s.timer == nil {
		return
	}
	delay := s.maxDelay
	nowMs := s.clock().UnixMilli()
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs == 0 || job.State.RunningAtMs != 0 {
			continue
		}
		d := time.Duration(job.State.NextRunAtMs-nowMs) * time.Millisecond
		if d < 0 {
			d = 0
		}
		if d < delay {
			delay = d
		}
	}
	s.timer.Stop()
	s.timer.Reset(delay)
}

// poke nudges the loop to re-tick after a mutation.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) publish(job *Job, event string, err error, durMs int64) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{
		"jobId": job.ID,
		"name":  job.Name,
		"event": event,
	}
	if event == "finished" {
		payload["status"] = job.State.LastStatus
		payload["durationMs"] = durMs
		if err != nil {
			payload["error"] = err.Error()
		}
	}
	s.bus.Publish(eventbus.SchedulerTopic, eventbus.Event{
		Type:    eventbus.EventStatusChange,
		Payload: payload,
	})
}

// fifoGate is a ticket lock: waiters acquire strictly in arrival order.
type fifoGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newFifoGate() *fifoGate {
	g := &fifoGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *fifoGate) lock() {
	g.mu.Lock()
	ticket := g.next
	g.next++
	for ticket != g.serving {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *fifoGate) unlock() {
	g.mu.Lock()
	g.serving++
	g.cond.Broadcast()
	g.mu.Unlock()
}
