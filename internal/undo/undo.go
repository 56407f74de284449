// Package undo reverses applied runs by replaying the action log backwards.
// Every reversal is itself recorded as a compensation entry, so the ledger
// stays a complete account of what touched the system.
package undo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/fileutil"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/runs"
)

var (
	ErrNotUndoable    = errors.New("entry is not undoable")
	ErrAlreadyUndone  = errors.New("entry is already undone")
	ErrUnknownKind    = errors.New("no reverser for undo data kind")
	ErrNothingToUndo  = errors.New("run has no undoable entries")
	ErrRunNotUndoable = errors.New("run is not in an undoable state")
)

// Reverser reverses one kind of undo data.
type Reverser interface {
	Kind() string
	Reverse(ctx context.Context, data *actionlog.UndoData) (string, error)
}

// StepOutcome reports one entry's reversal within a run undo.
type StepOutcome struct {
	EntryID string `json:"entryId"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the result of undoing a run. When Halted is set, the entries
// after the failing one were left untouched.
type Report struct {
	RunID    string        `json:"runId"`
	Outcomes []StepOutcome `json:"outcomes"`
	Halted   bool          `json:"halted,omitempty"`
}

// Service replays undo data against the filesystem and repositories.
type Service struct {
	manager   *runs.Manager
	log       *actionlog.Log
	bus       *eventbus.Bus
	reversers map[string]Reverser
}

// NewService wires the default reversers.
func NewService(manager *runs.Manager, log *actionlog.Log, bus *eventbus.Bus, timeout time.Duration) *Service {
	s := &Service{
		manager:   manager,
		log:       log,
		bus:       bus,
		reversers: make(map[string]Reverser),
	}
	s.Register(&FileWriteReverser{})
	s.Register(&GitCommitReverser{Timeout: timeout})
	s.Register(&PatchApplyReverser{Timeout: timeout})
	return s
}

// Register adds a reverser, replacing any previous one of the same kind.
func (s *Service) Register(r Reverser) {
	s.reversers[r.Kind()] = r
}

// UndoRun reverses an applied run: its undoable entries are reversed newest
// first, halting on the first failure so earlier effects are not reversed on
// top of an inconsistent state.
func (s *Service) UndoRun(ctx context.Context, runID string) (*Report, error) {
	run, err := s.manager.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != runs.StatusApplied {
		return nil, fmt.Errorf("%w: %s", ErrRunNotUndoable, run.Status)
	}

	// EntriesForRun is newest first, which is exactly reverse replay order.
	var targets []*actionlog.Entry
	for _, entry := range s.log.EntriesForRun(runID) {
		if s.eligible(entry) {
			targets = append(targets, entry)
		}
	}
	if len(targets) == 0 {
		return nil, ErrNothingToUndo
	}

	if _, err := s.manager.UpdateStatus(ctx, runID, runs.StatusUndoing, "undo"); err != nil {
		return nil, err
	}

	report := &Report{RunID: runID}
	for _, entry := range targets {
		outcome := s.reverse(ctx, entry)
		report.Outcomes = append(report.Outcomes, outcome)
		s.publish(runID, outcome)
		if !outcome.Success {
			report.Halted = true
			if _, uerr := s.manager.UpdateStatus(ctx, runID, runs.StatusFailed, "undo"); uerr != nil {
				return report, uerr
			}
			return report, fmt.Errorf("undo halted at entry %s: %s", outcome.EntryID, outcome.Error)
		}
	}

	if _, err := s.manager.UpdateStatus(ctx, runID, runs.StatusUndone, "undo"); err != nil {
		return report, err
	}
	logger.Info(ctx, "Run undone", tag.RunID(runID), tag.Count(len(report.Outcomes)))
	return report, nil
}

// UndoEntry reverses a single ledger entry outside a run-level undo.
func (s *Service) UndoEntry(ctx context.Context, entryID string) (*StepOutcome, error) {
	entry, err := s.log.Get(entryID)
	if err != nil {
		return nil, err
	}
	if entry.Undone {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyUndone, entryID)
	}
	if !s.eligible(entry) {
		return nil, fmt.Errorf("%w: %s", ErrNotUndoable, entryID)
	}
	outcome := s.reverse(ctx, entry)
	if entry.RunID != "" {
		s.publish(entry.RunID, outcome)
	}
	if !outcome.Success {
		return &outcome, fmt.Errorf("undo failed for entry %s: %s", entryID, outcome.Error)
	}
	return &outcome, nil
}

// eligible reports whether an entry can be reversed: completed successfully,
// flagged undoable with data, and not yet undone.
func (s *Service) eligible(entry *actionlog.Entry) bool {
	return entry.Undoable &&
		!entry.Undone &&
		entry.UndoData != nil &&
		entry.Completed() &&
		entry.Result != nil &&
		entry.Result.Success
}

// reverse performs one reversal, wrapped in its own compensation entry.
func (s *Service) reverse(ctx context.Context, entry *actionlog.Entry) StepOutcome {
	outcome := StepOutcome{EntryID: entry.ID, Tool: entry.Tool}

	reverser, ok := s.reversers[entry.UndoData.Kind]
	if !ok {
		outcome.Error = fmt.Sprintf("%s: %q", ErrUnknownKind, entry.UndoData.Kind)
		return outcome
	}

	compID, err := s.log.Record(ctx, actionlog.RecordSpec{
		RunID:    entry.RunID,
		Tool:     "undo." + entry.UndoData.Kind,
		Category: actionlog.CategoryCompensation,
		Params:   map[string]any{"reverses": entry.ID},
		Approval: actionlog.ApprovalAuto,
	})
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	output, reverseErr := reverser.Reverse(ctx, entry.UndoData)
	result := actionlog.Result{Success: reverseErr == nil, Output: output}
	if reverseErr != nil {
		result.Error = reverseErr.Error()
	}
	if err := s.log.Complete(ctx, compID, result); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if reverseErr != nil {
		outcome.Error = reverseErr.Error()
		return outcome
	}
	if err := s.log.MarkUndone(ctx, entry.ID); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.Output = output
	return outcome
}

func (s *Service) publish(runID string, outcome StepOutcome) {
	s.bus.Publish(eventbus.RunTopic(runID), eventbus.Event{
		Type: eventbus.EventStepResult,
		Payload: map[string]any{
			"runId":   runID,
			"phase":   "undo",
			"entryId": outcome.EntryID,
			"tool":    outcome.Tool,
			"success": outcome.Success,
			"error":   outcome.Error,
		},
	})
}

// FileWriteReverser restores a file to its pre-write state: the previous
// content when it existed, deletion when it did not.
type FileWriteReverser struct{}

func (r *FileWriteReverser) Kind() string { return actionlog.UndoFileWrite }

func (r *FileWriteReverser) Reverse(_ context.Context, data *actionlog.UndoData) (string, error) {
	if data.Path == "" {
		return "", fmt.Errorf("file-write undo: missing path")
	}
	if !data.PreviousExisted {
		if err := os.Remove(data.Path); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("file-write undo: %w", err)
		}
		return "removed " + data.Path, nil
	}
	var content []byte
	if data.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(data.ContentBase64)
		if err != nil {
			return "", fmt.Errorf("file-write undo: bad snapshot: %w", err)
		}
		content = decoded
	} else {
		// Older snapshots stored plain text.
		content = []byte(data.PreviousContent)
	}
	if err := fileutil.WriteFileAtomic(data.Path, content, 0644); err != nil {
		return "", fmt.Errorf("file-write undo: %w", err)
	}
	return "restored " + data.Path, nil
}

// GitCommitReverser resets a repository to the ref recorded before the
// commit.
type GitCommitReverser struct {
	Timeout time.Duration
}

func (r *GitCommitReverser) Kind() string { return actionlog.UndoGitCommit }

func (r *GitCommitReverser) Reverse(ctx context.Context, data *actionlog.UndoData) (string, error) {
	if data.Dir == "" || data.PriorRef == "" {
		return "", fmt.Errorf("git-commit undo: missing dir or prior ref")
	}
	out, err := r.runGit(ctx, data.Dir, "reset", "--hard", data.PriorRef)
	if err != nil {
		return out, fmt.Errorf("git-commit undo: %w", err)
	}
	return out, nil
}

func (r *GitCommitReverser) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// PatchApplyReverser applies the recorded patch in reverse.
type PatchApplyReverser struct {
	Timeout time.Duration
}

func (r *PatchApplyReverser) Kind() string { return actionlog.UndoPatchApply }

func (r *PatchApplyReverser) Reverse(ctx context.Context, data *actionlog.UndoData) (string, error) {
	if data.Dir == "" || data.Patch == "" {
		return "", fmt.Errorf("patch-apply undo: missing dir or patch")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "patch", "-R", "-p1", "-d", data.Dir)
	cmd.Stdin = strings.NewReader(data.Patch)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("patch-apply undo: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
