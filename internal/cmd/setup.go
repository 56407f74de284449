package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/approval"
	"github.com/undoable-org/undoable/internal/build"
	"github.com/undoable-org/undoable/internal/checkpoint"
	"github.com/undoable-org/undoable/internal/config"
	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/executor"
	"github.com/undoable-org/undoable/internal/fileutil"
	"github.com/undoable-org/undoable/internal/frontend"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/metrics"
	"github.com/undoable-org/undoable/internal/runs"
	"github.com/undoable-org/undoable/internal/scheduler"
	"github.com/undoable-org/undoable/internal/swarm"
	"github.com/undoable-org/undoable/internal/undo"
)

// runDaemon wires every subsystem and serves until interrupted.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Paths.LogDir, 0750); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	logFile, err := fileutil.OpenOrCreateFile(filepath.Join(cfg.Paths.LogDir, "daemon.log"))
	if err != nil {
		return err
	}
	defer func() {
		_ = logFile.Close()
	}()
	lg := logger.NewLogger(
		logger.WithLevel(cfg.LogLevel),
		logger.WithFormat(cfg.LogFormat),
		logger.WithWriter(logFile),
	)
	ctx = logger.WithLogger(ctx, lg)

	if info, err := readPIDFile(cfg.Paths.DaemonPID); err == nil && pidAlive(info.PID) {
		return fmt.Errorf("daemon already running (pid %d, port %d)", info.PID, info.Port)
	}
	if err := writePIDFile(cfg.Paths.DaemonPID, pidInfo{
		PID:       os.Getpid(),
		Port:      cfg.Server.Port,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(cfg.Paths.DaemonPID)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	store, err := runs.NewFileStore(cfg.Paths.RunsFile)
	if err != nil {
		return err
	}
	manager := runs.NewManager(store, bus)

	alog, err := actionlog.Open(ctx, cfg.Paths.ActionLog)
	if err != nil {
		return err
	}
	defer func() {
		_ = alog.Close()
	}()

	broker := approval.NewBroker()
	exec := executor.New(
		manager, bus, alog,
		checkpoint.NewStore(cfg.Paths.CheckpointsDir),
		broker,
		executor.InstructionProducer{},
		executor.DefaultRegistry(cfg.Paths.WorkspaceDir, cfg.Timeouts),
		func() approval.Mode { return approvalMode(cfg.Settings.SecurityPolicy) },
		cfg.Timeouts,
	)
	if err := exec.Recover(ctx); err != nil {
		logger.Warn(ctx, "Run recovery failed", tag.Error(err))
	}

	sched := scheduler.New(
		cfg.Paths.SchedulerFile, bus,
		scheduler.NewPayloadExecutor(&launchingCreator{manager: manager, exec: exec, ctx: ctx}, bus),
		scheduler.WithMaxTimerDelay(cfg.Timeouts.SchedulerMaxDelay),
		scheduler.WithStuckThreshold(cfg.Timeouts.SchedulerStuckJob),
	)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop(ctx)

	wfStore, err := swarm.NewStore(ctx, cfg.Paths.WorkflowsDir)
	if err != nil {
		return err
	}
	// Scheduled workflow nodes register their jobs at boot, so files edited
	// while the daemon was down still get their schedules.
	for _, wf := range wfStore.List() {
		if err := wfStore.SyncSchedules(ctx, wf, sched); err != nil {
			logger.Warn(ctx, "Failed to sync node schedules", tag.Error(err))
		}
	}
	go func() {
		if err := wfStore.Watch(ctx); err != nil {
			logger.Warn(ctx, "Workflow watcher stopped", tag.Error(err))
		}
	}()
	orch := swarm.NewOrchestrator(wfStore, swarm.NewManagedRunner(manager, exec), bus)

	m := metrics.New(build.Version)
	go m.WatchScheduler(ctx, bus)

	srv := frontend.New(frontend.Deps{
		Config:       cfg,
		Bus:          bus,
		Manager:      manager,
		Executor:     exec,
		Undo:         undo.NewService(manager, alog, bus, cfg.Timeouts.Subprocess),
		Scheduler:    sched,
		ActionLog:    alog,
		Workflows:    wfStore,
		Orchestrator: orch,
		Broker:       broker,
		Metrics:      m,
	})

	logger.Info(ctx, "Daemon started",
		"pid", os.Getpid(), "addr", cfg.Server.Addr(), "version", build.Version)
	return srv.Start(ctx)
}

// approvalMode maps the persisted security policy onto the approval mode.
func approvalMode(policy string) approval.Mode {
	switch policy {
	case "always":
		return approval.ModeAlways
	case "never":
		return approval.ModeNever
	default:
		return approval.ModeAutoSafe
	}
}

// launchingCreator creates runs and immediately drives them through the
// executor, so scheduler-spawned runs do not sit in created forever.
type launchingCreator struct {
	manager *runs.Manager
	exec    *executor.Executor
	// ctx is the daemon lifetime; runs must not die with the tick that
	// launched them.
	ctx context.Context
}

func (l *launchingCreator) Create(ctx context.Context, spec runs.CreateSpec) (*runs.Run, error) {
	run, err := l.manager.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := l.exec.Execute(l.ctx, run.ID); err != nil {
			logger.Error(l.ctx, "Scheduled run finished with error", tag.RunID(run.ID), tag.Error(err))
		}
	}()
	return run, nil
}

func (l *launchingCreator) ActiveByJobID(ctx context.Context, jobID string) (bool, error) {
	return l.manager.ActiveByJobID(ctx, jobID)
}
