package scheduler_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/scheduler"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingExecutor) Execute(_ context.Context, job *scheduler.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, job.ID)
	return r.err
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestComputeNextRunAtEvery(t *testing.T) {
	t.Parallel()

	s := scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 500, AnchorMs: 1000}

	next, ok := scheduler.ComputeNextRunAt(s, time.UnixMilli(1600))
	require.True(t, ok)
	require.Equal(t, int64(2000), next)

	next, ok = scheduler.ComputeNextRunAt(s, time.UnixMilli(2001))
	require.True(t, ok)
	require.Equal(t, int64(2500), next)

	// Exactly on a boundary the result is still strictly ahead.
	next, ok = scheduler.ComputeNextRunAt(s, time.UnixMilli(2000))
	require.True(t, ok)
	require.Equal(t, int64(2500), next)

	// A future anchor is itself the next run.
	next, ok = scheduler.ComputeNextRunAt(s, time.UnixMilli(500))
	require.True(t, ok)
	require.Equal(t, int64(1000), next)
}

func TestComputeNextRunAtEveryRejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()

	for _, everyMs := range []int64{0, -500} {
		s := scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: everyMs}
		_, ok := scheduler.ComputeNextRunAt(s, time.UnixMilli(1000))
		require.False(t, ok)
	}
}

func TestComputeNextRunAtCron(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	s := scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "*/15 * * * *", TZ: "UTC"}

	next, ok := scheduler.ComputeNextRunAt(s, now)
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 1, 15, 10, 15, 0, 0, time.UTC).UnixMilli(), next)
}

func TestComputeNextRunAtAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	future := now.Add(time.Hour).Format(time.RFC3339)
	next, ok := scheduler.ComputeNextRunAt(scheduler.Schedule{Kind: scheduler.ScheduleAt, At: future}, now)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Hour).UnixMilli(), next)

	// A past instant yields no run.
	past := now.Add(-time.Hour).Format(time.RFC3339)
	_, ok = scheduler.ComputeNextRunAt(scheduler.Schedule{Kind: scheduler.ScheduleAt, At: past}, now)
	require.False(t, ok)
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	t.Parallel()

	payload := scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "t"}
	tests := []struct {
		name     string
		schedule scheduler.Schedule
	}{
		{"bad at timestamp", scheduler.Schedule{Kind: scheduler.ScheduleAt, At: "tomorrow"}},
		{"zero interval", scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 0}},
		{"six cron fields", scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "0 * * * * *"}},
		{"four cron fields", scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "* * * *"}},
		{"unknown kind", scheduler.Schedule{Kind: "weekly"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			job := &scheduler.Job{Schedule: tc.schedule, Payload: payload}
			require.ErrorIs(t, job.Validate(), scheduler.ErrInvalidSchedule)
		})
	}
}

func TestValidateRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	sched := scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 1000}

	job := &scheduler.Job{Schedule: sched, Payload: scheduler.Payload{Kind: scheduler.PayloadRun}}
	require.ErrorIs(t, job.Validate(), scheduler.ErrInvalidPayload)

	job = &scheduler.Job{Schedule: sched, Payload: scheduler.Payload{Kind: scheduler.PayloadEvent}}
	require.ErrorIs(t, job.Validate(), scheduler.ErrInvalidPayload)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	jobs := []*scheduler.Job{
		{
			ID:       "j1",
			Name:     "nightly",
			Enabled:  true,
			Schedule: scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "0 3 * * *"},
			Payload:  scheduler.Payload{Kind: scheduler.PayloadRun, Instruction: "tidy up"},
			State:    scheduler.State{NextRunAtMs: 123456, LastStatus: scheduler.StatusOK},
		},
		{
			ID:       "j2",
			Enabled:  false,
			Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 500, AnchorMs: 1000},
			Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
		},
	}
	require.NoError(t, scheduler.SaveJobs(path, jobs))

	got, err := scheduler.LoadJobs(path)
	require.NoError(t, err)
	require.Equal(t, jobs, got)
}

func TestLoadJobsMissingFile(t *testing.T) {
	t.Parallel()

	got, err := scheduler.LoadJobs(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMissedRunRecoveredOnceOnStart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	// A job whose next run was missed while the daemon was down.
	require.NoError(t, scheduler.SaveJobs(path, []*scheduler.Job{{
		ID:       "missed",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 60_000, AnchorMs: 0},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
		State:    scheduler.State{NextRunAtMs: now.Add(-30 * time.Minute).UnixMilli()},
	}}))

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	// Many missed ticks collapse into exactly one catch-up execution.
	require.Equal(t, 1, exec.count())

	job, err := s.Get("missed")
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusOK, job.State.LastStatus)
	require.Zero(t, job.State.RunningAtMs)
	require.Equal(t, now.Add(time.Minute).UnixMilli(), job.State.NextRunAtMs)
}

func TestRunningMarkerSkipsDispatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	// Fresh running marker from another dispatch: the job is not due.
	require.NoError(t, scheduler.SaveJobs(path, []*scheduler.Job{{
		ID:       "busy",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 60_000},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
		State: scheduler.State{
			NextRunAtMs: now.Add(-time.Minute).UnixMilli(),
			RunningAtMs: now.Add(-time.Minute).UnixMilli(),
		},
	}}))

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	require.Zero(t, exec.count())
}

func TestStaleRunningMarkerIsCleared(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	// Crash residue: a marker far older than the stuck threshold.
	require.NoError(t, scheduler.SaveJobs(path, []*scheduler.Job{{
		ID:       "stuck",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 60_000},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
		State: scheduler.State{
			NextRunAtMs: now.Add(-time.Minute).UnixMilli(),
			RunningAtMs: now.Add(-time.Hour).UnixMilli(),
		},
	}}))

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	// The marker is cleared and the job dispatched in the same tick.
	require.Equal(t, 1, exec.count())
	job, err := s.Get("stuck")
	require.NoError(t, err)
	require.Zero(t, job.State.RunningAtMs)
}

func TestAddUpdateRemove(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	job, err := s.Add(ctx, scheduler.JobSpec{
		Name:     "report",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "*/15 * * * *", TZ: "UTC"},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadRun, Instruction: "write the report"},
	})
	require.NoError(t, err)
	require.Equal(t, now.Add(15*time.Minute).UnixMilli(), job.State.NextRunAtMs)

	// Disabling clears the next run.
	disabled := false
	job, err = s.Update(ctx, job.ID, scheduler.JobUpdate{Enabled: &disabled})
	require.NoError(t, err)
	require.False(t, job.Enabled)
	require.Zero(t, job.State.NextRunAtMs)

	// The mutation survives a restart.
	reloaded, err := scheduler.LoadJobs(path)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	require.False(t, reloaded[0].Enabled)

	require.NoError(t, s.Remove(ctx, job.ID))
	_, err = s.Get(job.ID)
	require.ErrorIs(t, err, scheduler.ErrJobNotFound)

	require.ErrorIs(t, s.Remove(ctx, "ghost"), scheduler.ErrJobNotFound)
}

func TestAddRejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	s := scheduler.New(path, eventbus.New(), &recordingExecutor{},
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	_, err := s.Add(ctx, scheduler.JobSpec{
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: -1},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "t"},
	})
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)
	require.Empty(t, s.List())
}

func TestRunNow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	job, err := s.Add(ctx, scheduler.JobSpec{
		Name:     "manual",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "0 3 * * *"},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
	})
	require.NoError(t, err)

	got, err := s.RunNow(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, exec.count())
	require.Equal(t, scheduler.StatusOK, got.State.LastStatus)
	require.Equal(t, now.UnixMilli(), got.State.LastRunAtMs)

	_, err = s.RunNow(ctx, "ghost")
	require.ErrorIs(t, err, scheduler.ErrJobNotFound)
}

func TestOneShotDeleteAfterRun(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	// A one-shot whose instant passed while the daemon was down.
	require.NoError(t, scheduler.SaveJobs(path, []*scheduler.Job{{
		ID:      "oneshot",
		Enabled: true,
		Schedule: scheduler.Schedule{
			Kind: scheduler.ScheduleAt,
			At:   now.Add(-time.Minute).Format(time.RFC3339),
		},
		Payload:        scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
		DeleteAfterRun: true,
		State:          scheduler.State{NextRunAtMs: now.Add(-time.Minute).UnixMilli()},
	}}))

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	require.Equal(t, 1, exec.count())
	require.Empty(t, s.List())

	reloaded, err := scheduler.LoadJobs(path)
	require.NoError(t, err)
	require.Empty(t, reloaded)
}

func TestFailedOneShotStaysVisible(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, scheduler.SaveJobs(path, []*scheduler.Job{{
		ID:      "oneshot",
		Enabled: true,
		Schedule: scheduler.Schedule{
			Kind: scheduler.ScheduleAt,
			At:   now.Add(-time.Minute).Format(time.RFC3339),
		},
		Payload: scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
		State:   scheduler.State{NextRunAtMs: now.Add(-time.Minute).UnixMilli()},
	}}))

	exec := &recordingExecutor{err: context.DeadlineExceeded}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	job, err := s.Get("oneshot")
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusError, job.State.LastStatus)
	require.NotEmpty(t, job.State.LastError)
	require.Equal(t, 1, job.State.ConsecutiveErrors)
	require.Zero(t, job.State.NextRunAtMs)
}

func TestRecomputeAllIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	// Next run missing, as after a manual store edit.
	require.NoError(t, scheduler.SaveJobs(path, []*scheduler.Job{{
		ID:       "j1",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMs: 60_000, AnchorMs: now.UnixMilli()},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
	}}))

	exec := &recordingExecutor{}
	s := scheduler.New(path, eventbus.New(), exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	changed, err := s.RecomputeAll(ctx)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.RecomputeAll(ctx)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scheduler.json")
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	bus := eventbus.New()
	ctx := context.Background()
	sub := bus.Subscribe(ctx, eventbus.SchedulerTopic, 16)
	defer sub.Close()

	exec := &recordingExecutor{}
	s := scheduler.New(path, bus, exec,
		scheduler.WithClock(fixedClock(now)),
		scheduler.WithMaxTimerDelay(time.Hour))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	job, err := s.Add(ctx, scheduler.JobSpec{
		Name:     "evented",
		Enabled:  true,
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleCron, Expr: "0 3 * * *"},
		Payload:  scheduler.Payload{Kind: scheduler.PayloadEvent, Topic: "ping"},
	})
	require.NoError(t, err)
	_, err = s.RunNow(ctx, job.ID)
	require.NoError(t, err)

	started := <-sub.Events()
	require.Equal(t, "started", started.Payload["event"])
	require.Equal(t, job.ID, started.Payload["jobId"])

	finished := <-sub.Events()
	require.Equal(t, "finished", finished.Payload["event"])
	require.Equal(t, scheduler.StatusOK, finished.Payload["status"])
}
