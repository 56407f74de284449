package frontend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/approval"
	"github.com/undoable-org/undoable/internal/checkpoint"
	"github.com/undoable-org/undoable/internal/config"
	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/executor"
	"github.com/undoable-org/undoable/internal/frontend"
	"github.com/undoable-org/undoable/internal/metrics"
	"github.com/undoable-org/undoable/internal/plan"
	"github.com/undoable-org/undoable/internal/runs"
	"github.com/undoable-org/undoable/internal/scheduler"
	"github.com/undoable-org/undoable/internal/swarm"
	"github.com/undoable-org/undoable/internal/undo"
)

// echoTool is a side-effect-free read tool, so runs complete without any
// approval gate.
type echoTool struct{}

func (echoTool) Name() string { return "echo" }

func (echoTool) Category(map[string]any) actionlog.Category { return actionlog.CategoryRead }

func (echoTool) Undoable(map[string]any) bool { return false }

func (echoTool) Shadow(_ context.Context, params map[string]any) (string, error) {
	text, _ := params["text"].(string)
	return text, nil
}
func (echoTool) Apply(_ context.Context, params map[string]any) (string, error) {
	text, _ := params["text"].(string)
	return text, nil
}

type fixture struct {
	server  *frontend.Server
	manager *runs.Manager
	exec    *executor.Executor
	broker  *approval.Broker
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Paths:    config.DefaultPaths(t.TempDir()),
		Server:   config.Server{Host: "127.0.0.1", Port: 7777},
		Timeouts: config.DefaultTimeouts(),
	}
	cfg.Timeouts.Approval = 250 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.Paths.Home, 0750))

	bus := eventbus.New()
	manager := runs.NewManager(runs.NewMemoryStore(), bus)
	log, err := actionlog.Open(ctx, cfg.Paths.ActionLog)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	broker := approval.NewBroker()

	registry := executor.NewRegistry()
	registry.Register(echoTool{})
	producer := executor.ProducerFunc(func(_ context.Context, run *runs.Run) (*plan.Graph, error) {
		return &plan.Graph{
			SchemaVersion: plan.SchemaVersion,
			Instruction:   run.Instruction,
			Steps: []plan.Step{
				{ID: "s1", Tool: "echo", Params: map[string]any{"text": run.Instruction}},
			},
		}, nil
	})
	exec := executor.New(
		manager, bus, log, checkpoint.NewStore(cfg.Paths.CheckpointsDir), broker,
		producer, registry,
		func() approval.Mode { return approval.ModeAutoSafe },
		cfg.Timeouts,
	)

	sched := scheduler.New(cfg.Paths.SchedulerFile, bus, scheduler.NewPayloadExecutor(manager, bus))
	wfStore, err := swarm.NewStore(ctx, cfg.Paths.WorkflowsDir)
	require.NoError(t, err)
	orch := swarm.NewOrchestrator(wfStore, swarm.NewManagedRunner(manager, exec), bus)

	server := frontend.New(frontend.Deps{
		Config:       cfg,
		Bus:          bus,
		Manager:      manager,
		Executor:     exec,
		Undo:         undo.NewService(manager, log, bus, cfg.Timeouts.Subprocess),
		Scheduler:    sched,
		ActionLog:    log,
		Workflows:    wfStore,
		Orchestrator: orch,
		Broker:       broker,
		Metrics:      metrics.New("test"),
	})

	// Launched runs execute on detached goroutines that write under the
	// temp dir; wait for them to settle before cleanup removes it.
	t.Cleanup(func() {
		require.Eventually(t, func() bool {
			list, err := manager.List(context.Background())
			if err != nil {
				return false
			}
			for _, r := range list {
				if exec.Executing(r.ID) {
					return false
				}
				if r.Status.Active() && r.Status != runs.StatusCreated {
					return false
				}
			}
			return true
		}, 5*time.Second, 10*time.Millisecond)
	})

	return &fixture{server: server, manager: manager, exec: exec, broker: broker, cfg: cfg}
}

// do performs a request as a loopback client.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:54321"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[map[string]any](t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["ready"])

	rec = f.do(t, http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoopbackOnlyAdmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// A loopback peer forwarding for a remote client is rejected too.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", "10.0.0.8, 127.0.0.1")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Hostnames are not addresses; a "localhost" hop is rejected.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", "localhost")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// An all-loopback chain passes.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	req.Header.Set("X-Forwarded-For", "127.0.0.1, ::1")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenAdmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.AuthMode = config.AuthModeToken
		cfg.Server.Token = "s3cret"
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// With the token, even remote peers are admitted.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOperationModeBlocksNewWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPatch, "/control/operation", map[string]any{"mode": "drain", "reason": "deploy"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/runs", map[string]any{"instruction": "blocked"})
	require.Equal(t, http.StatusLocked, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	require.Equal(t, "DAEMON_OPERATION_MODE_BLOCK", body["code"])
	require.Contains(t, body["recovery"], "/control/operation")

	// Reads keep working while drained.
	rec = f.do(t, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/control/operation", map[string]any{"mode": "normal"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/runs", map[string]any{"instruction": "allowed"})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeBody[runs.Run](t, rec)
	require.Eventually(t, func() bool {
		got, err := f.manager.Get(context.Background(), created.ID)
		return err == nil && got.Status == runs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOperationModeRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPatch, "/control/operation", map[string]any{"mode": "hibernate"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/runs", map[string]any{"instruction": "say hi"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[runs.Run](t, rec)
	require.NotEmpty(t, created.ID)

	// The read-only plan completes without approval.
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/runs/"+created.ID, nil)
		return rec.Code == http.StatusOK &&
			decodeBody[runs.Run](t, rec).Status == runs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]runs.Run](t, rec)
	require.Len(t, list["runs"], 1)

	rec = f.do(t, http.MethodDelete, "/runs/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/runs/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRunRejectsEmptyInstruction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/runs", map[string]any{"instruction": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelIdleRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	run, err := f.manager.Create(context.Background(), runs.CreateSpec{Owner: "user", Instruction: "idle"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.manager.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, runs.StatusCancelled, got.Status)
}

func TestPauseResumeOverHTTP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	run, err := f.manager.Create(context.Background(), runs.CreateSpec{Owner: "user", Instruction: "later"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	paused := decodeBody[runs.Run](t, rec)
	require.Equal(t, runs.StatusPaused, paused.Status)
	require.Equal(t, runs.StatusCreated, paused.PriorStatus)

	// Resume restarts the run from where it paused.
	rec = f.do(t, http.MethodPost, "/runs/"+run.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		got, err := f.manager.Get(context.Background(), run.ID)
		return err == nil && got.Status == runs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// A settled run cannot pause.
	rec = f.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestApplyWithoutWaiterConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	run, err := f.manager.Create(context.Background(), runs.CreateSpec{Owner: "user", Instruction: "idle"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/runs/"+run.ID+"/apply", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownRunAction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	run, err := f.manager.Create(context.Background(), runs.CreateSpec{Owner: "user", Instruction: "idle"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/runs/"+run.ID+"/teleport", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteActiveRunConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	run, err := f.manager.Create(context.Background(), runs.CreateSpec{Owner: "user", Instruction: "idle"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSchedulerJobCRUD(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/scheduler/jobs", map[string]any{
		"name":     "nightly",
		"enabled":  false,
		"schedule": map[string]any{"kind": "every", "everyMs": 60000},
		"payload":  map[string]any{"kind": "run", "instruction": "tidy up"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeBody[scheduler.Job](t, rec)
	require.NotEmpty(t, job.ID)

	rec = f.do(t, http.MethodGet, "/scheduler/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/scheduler/jobs/"+job.ID, map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "renamed", decodeBody[scheduler.Job](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/scheduler/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]scheduler.Job](t, rec)
	require.Len(t, list["jobs"], 1)

	rec = f.do(t, http.MethodDelete, "/scheduler/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/scheduler/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/scheduler/jobs", map[string]any{
		"name":     "broken",
		"schedule": map[string]any{"kind": "every", "everyMs": -5},
		"payload":  map[string]any{"kind": "run", "instruction": "x"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowCRUDAndRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	wf := map[string]any{
		"id": "hello",
		"nodes": []map[string]any{
			{"id": "a", "instruction": "do a"},
			{"id": "b", "instruction": "do b", "dependsOn": []string{"a"}},
		},
	}
	rec := f.do(t, http.MethodPost, "/swarm/workflows", wf)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Duplicate ids conflict.
	rec = f.do(t, http.MethodPost, "/swarm/workflows", wf)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/swarm/workflows/hello", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPatch, "/swarm/workflows/hello", map[string]any{"name": "Hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hello", decodeBody[swarm.Workflow](t, rec).Name)

	rec = f.do(t, http.MethodPost, "/swarm/workflows/hello/run", map[string]any{"failFast": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decodeBody[swarm.StartResult](t, rec)
	require.NotEmpty(t, started.OrchestrationID)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/swarm/workflows/hello/orchestrations/"+started.OrchestrationID, nil)
		return rec.Code == http.StatusOK &&
			decodeBody[swarm.Orchestration](t, rec).Status != swarm.OrchestrationRunning
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodDelete, "/swarm/workflows/hello", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkflowScheduledNodeRegistersJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/swarm/workflows", map[string]any{
		"id": "reports",
		"nodes": []map[string]any{
			{
				"id":          "daily",
				"instruction": "build the report",
				"schedule":    map[string]any{"kind": "every", "everyMs": 60000},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	wf := decodeBody[swarm.Workflow](t, rec)
	require.NotEmpty(t, wf.Nodes[0].JobID)

	rec = f.do(t, http.MethodGet, "/scheduler/jobs/"+wf.Nodes[0].JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody[scheduler.Job](t, rec)
	require.Equal(t, "reports/daily", job.Name)
	require.Equal(t, "build the report", job.Payload.Instruction)
	require.True(t, job.Enabled)

	// Deleting the workflow drops the node's job with it.
	rec = f.do(t, http.MethodDelete, "/swarm/workflows/reports", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/scheduler/jobs/"+wf.Nodes[0].JobID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/swarm/workflows", map[string]any{
		"id": "loop",
		"nodes": []map[string]any{
			{"id": "a", "instruction": "do a", "dependsOn": []string{"b"}},
			{"id": "b", "instruction": "do b", "dependsOn": []string{"a"}},
		},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestOrchestrationScopedToWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, id := range []string{"one", "two"} {
		rec := f.do(t, http.MethodPost, "/swarm/workflows", map[string]any{
			"id":    id,
			"nodes": []map[string]any{{"id": "a", "instruction": "do a"}},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/swarm/workflows/one/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decodeBody[swarm.StartResult](t, rec)

	// The orchestration is not visible under another workflow.
	rec = f.do(t, http.MethodGet, "/swarm/workflows/two/orchestrations/"+started.OrchestrationID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/settings/daemon", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[map[string]any](t, rec)
	require.Contains(t, view, "desired")
	require.Contains(t, view, "effective")

	rec = f.do(t, http.MethodPatch, "/settings/daemon", map[string]any{"port": 9000})
	require.Equal(t, http.StatusOK, rec.Code)
	view = decodeBody[map[string]any](t, rec)
	require.Equal(t, true, view["restartRequired"])

	// The patch persisted.
	desired, err := config.ReadSettings(f.cfg.Paths.Settings)
	require.NoError(t, err)
	require.Equal(t, 9000, desired.Port)
}

func TestSettingsPatchRejectsInvalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPatch, "/settings/daemon", map[string]any{"port": -1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEventsStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	server := httptest.NewServer(f.server.Handler())
	defer server.Close()

	rec := f.do(t, http.MethodPost, "/runs", map[string]any{"instruction": "stream me"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[runs.Run](t, rec)

	resp, err := http.Get(server.URL + "/runs/" + created.ID + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The stream ends with the run's done event; every data frame is a JSON
	// envelope with type and ts.
	buf := make([]byte, 64*1024)
	var raw []byte
	for {
		n, err := resp.Body.Read(buf)
		raw = append(raw, buf[:n]...)
		if err != nil {
			break
		}
	}
	frames := bytes.Split(raw, []byte("\n\n"))
	var sawDone bool
	for _, frame := range frames {
		if !bytes.HasPrefix(frame, []byte("data: ")) {
			continue
		}
		var ev struct {
			Type string          `json:"type"`
			Time time.Time       `json:"ts"`
			Any  json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(bytes.TrimPrefix(frame, []byte("data: ")), &ev))
		require.NotEmpty(t, ev.Type)
		require.False(t, ev.Time.IsZero())
		if ev.Type == string(eventbus.EventDone) {
			sawDone = true
		}
	}
	require.True(t, sawDone)
}
