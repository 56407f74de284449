// Package checkpoint persists per-run progress snapshots so that pending
// runs survive a daemon restart. One JSON file per run; writes are atomic.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/undoable-org/undoable/internal/fileutil"
	"github.com/undoable-org/undoable/internal/plan"
	"github.com/undoable-org/undoable/internal/runs"
)

// Checkpoint is the persisted snapshot of a run's progress. It is written
// after each phase transition and each step completion, and removed when
// the run reaches a terminal, non-recoverable state.
type Checkpoint struct {
	RunID          string                     `json:"runId"`
	Status         runs.Status                `json:"status"`
	Phase          string                     `json:"phase"`
	CompletedSteps []string                   `json:"completedSteps,omitempty"`
	FailedSteps    []string                   `json:"failedSteps,omitempty"`
	StepResults    map[string]plan.StepResult `json:"stepResults,omitempty"`
	Plan           *plan.Graph                `json:"plan,omitempty"`
	Metadata       map[string]any             `json:"metadata,omitempty"`
	SavedAt        time.Time                  `json:"savedAt"`
}

// Store reads and writes checkpoints under a single directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes the checkpoint atomically, stamping SavedAt.
func (s *Store) Save(cp *Checkpoint) error {
	cp.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint for run %s: %w", cp.RunID, err)
	}
	return fileutil.WriteFileAtomic(s.path(cp.RunID), data, 0600)
}

// Load reads the run's checkpoint. Absence is not an error: it returns
// (nil, nil) when no checkpoint exists.
func (s *Store) Load(runID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(runID)) //nolint:gosec
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for run %s: %w", runID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint for run %s: %w", runID, err)
	}
	return &cp, nil
}

// Exists reports whether the run has a checkpoint.
func (s *Store) Exists(runID string) bool {
	return fileutil.FileExists(s.path(runID))
}

// Remove deletes the run's checkpoint. Removing a missing checkpoint is
// not an error.
func (s *Store) Remove(runID string) error {
	err := os.Remove(s.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint for run %s: %w", runID, err)
	}
	return nil
}

// List returns the run ids that currently have checkpoints.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
