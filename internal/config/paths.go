package config

import (
	"path/filepath"

	"github.com/undoable-org/undoable/internal/fileutil"
)

// AppDirName is the directory under the user's home that holds all daemon
// state.
const AppDirName = ".undoable"

// Paths describes the state layout owned by the daemon process.
type Paths struct {
	// Home is the base state directory, normally <home>/.undoable.
	Home string
	// DaemonPID is the advisory pid file (daemon.pid.json, mode 0600).
	DaemonPID string
	// Settings is the daemon-settings.json file.
	Settings string
	// SchedulerFile is the persisted job store (scheduler.json).
	SchedulerFile string
	// ActionLog is the append-only action ledger (action-log.jsonl).
	ActionLog string
	// CheckpointsDir holds per-run snapshots.
	CheckpointsDir string
	// RunsFile is the file-backed run store.
	RunsFile string
	// WorkflowsDir holds swarm workflow definitions (*.yaml).
	WorkflowsDir string
	// WorkspaceDir is the default agent workspace.
	WorkspaceDir string
	// LogDir holds daemon log files.
	LogDir string
}

// DefaultPaths resolves the state layout under the given home directory.
// When home is empty the user's home directory is used.
func DefaultPaths(home string) Paths {
	if home == "" {
		home = fileutil.MustGetUserHomeDir()
	}
	base := filepath.Join(home, AppDirName)
	return Paths{
		Home:           base,
		DaemonPID:      filepath.Join(base, "daemon.pid.json"),
		Settings:       filepath.Join(base, "daemon-settings.json"),
		SchedulerFile:  filepath.Join(base, "scheduler.json"),
		ActionLog:      filepath.Join(base, "action-log.jsonl"),
		CheckpointsDir: filepath.Join(base, "checkpoints"),
		RunsFile:       filepath.Join(base, "runs.jsonl"),
		WorkflowsDir:   filepath.Join(base, "workflows"),
		WorkspaceDir:   filepath.Join(base, "workspace"),
		LogDir:         filepath.Join(base, "logs"),
	}
}
