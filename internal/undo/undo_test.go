package undo_test

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/runs"
	"github.com/undoable-org/undoable/internal/undo"
)

type fixture struct {
	manager *runs.Manager
	log     *actionlog.Log
	service *undo.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	manager := runs.NewManager(runs.NewMemoryStore(), bus)
	log, err := actionlog.Open(context.Background(), filepath.Join(t.TempDir(), "actions.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return &fixture{
		manager: manager,
		log:     log,
		service: undo.NewService(manager, log, bus, 10*time.Second),
	}
}

// appliedRun creates a run and walks it to applied so it accepts an undo.
func appliedRun(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	run, err := f.manager.Create(ctx, runs.CreateSpec{Instruction: "x"})
	require.NoError(t, err)
	for _, status := range []runs.Status{
		runs.StatusPlanning, runs.StatusPlanned, runs.StatusShadowing,
		runs.StatusShadowed, runs.StatusApplying, runs.StatusApplied,
	} {
		_, err = f.manager.UpdateStatus(ctx, run.ID, status, "test")
		require.NoError(t, err)
	}
	return run.ID
}

func recordFileWrite(t *testing.T, f *fixture, runID, path string, prev []byte) string {
	t.Helper()
	ctx := context.Background()
	data := &actionlog.UndoData{Kind: actionlog.UndoFileWrite, Path: path}
	if prev != nil {
		data.PreviousExisted = true
		data.ContentBase64 = base64.StdEncoding.EncodeToString(prev)
	}
	id, err := f.log.Record(ctx, actionlog.RecordSpec{
		RunID:    runID,
		Tool:     "fs.write",
		Category: actionlog.CategoryMutate,
		Approval: actionlog.ApprovalAuto,
		Undoable: true,
		UndoData: data,
	})
	require.NoError(t, err)
	require.NoError(t, f.log.Complete(ctx, id, actionlog.Result{Success: true}))
	return id
}

func TestUndoRunRestoresFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	runID := appliedRun(t, f)

	// First write created the file; second overwrote an existing one.
	created := filepath.Join(dir, "created.txt")
	require.NoError(t, os.WriteFile(created, []byte("new"), 0644))
	recordFileWrite(t, f, runID, created, nil)

	overwritten := filepath.Join(dir, "overwritten.txt")
	require.NoError(t, os.WriteFile(overwritten, []byte("new"), 0644))
	recordFileWrite(t, f, runID, overwritten, []byte("old"))

	report, err := f.service.UndoRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	require.False(t, report.Halted)

	// Created file removed, overwritten file restored.
	_, err = os.Stat(created)
	require.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(overwritten)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))

	run, err := f.manager.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, runs.StatusUndone, run.Status)

	// Originals are flagged undone, and each reversal left a compensation
	// entry on the ledger.
	var undone, compensations int
	for _, entry := range f.log.EntriesForRun(runID) {
		if entry.Undone {
			undone++
		}
		if entry.Category == actionlog.CategoryCompensation {
			compensations++
		}
	}
	require.Equal(t, 2, undone)
	require.Equal(t, 2, compensations)
}

func TestUndoRunReversesNewestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	runID := appliedRun(t, f)

	// Two writes to the same file: create then overwrite. Reverse replay
	// must undo the overwrite first, then the create, leaving no file.
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
	recordFileWrite(t, f, runID, path, nil)
	recordFileWrite(t, f, runID, path, []byte("v1"))

	report, err := f.service.UndoRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestUndoRunHaltsOnFirstFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	runID := appliedRun(t, f)

	okPath := filepath.Join(dir, "ok.txt")
	require.NoError(t, os.WriteFile(okPath, []byte("new"), 0644))
	okID := recordFileWrite(t, f, runID, okPath, nil)

	// Newest entry has an unknown undo kind, so its reversal fails first
	// and the older entry must stay untouched.
	badID, err := f.log.Record(ctx, actionlog.RecordSpec{
		RunID:    runID,
		Tool:     "custom",
		Category: actionlog.CategoryMutate,
		Approval: actionlog.ApprovalAuto,
		Undoable: true,
		UndoData: &actionlog.UndoData{Kind: "teleport"},
	})
	require.NoError(t, err)
	require.NoError(t, f.log.Complete(ctx, badID, actionlog.Result{Success: true}))

	report, err := f.service.UndoRun(ctx, runID)
	require.Error(t, err)
	require.True(t, report.Halted)
	require.Len(t, report.Outcomes, 1)
	require.False(t, report.Outcomes[0].Success)

	// The earlier write was not reversed.
	_, err = os.Stat(okPath)
	require.NoError(t, err)
	entry, err := f.log.Get(okID)
	require.NoError(t, err)
	require.False(t, entry.Undone)

	run, err := f.manager.Get(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, runs.StatusFailed, run.Status)
}

func TestUndoRunRejectsWrongStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	run, err := f.manager.Create(ctx, runs.CreateSpec{Instruction: "x"})
	require.NoError(t, err)

	_, err = f.service.UndoRun(ctx, run.ID)
	require.ErrorIs(t, err, undo.ErrRunNotUndoable)
}

func TestUndoRunWithNothingToUndo(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	runID := appliedRun(t, f)

	_, err := f.service.UndoRun(context.Background(), runID)
	require.ErrorIs(t, err, undo.ErrNothingToUndo)
}

func TestUndoEntryDoubleUndoRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("new"), 0644))
	id := recordFileWrite(t, f, "", path, []byte("old"))

	outcome, err := f.service.UndoEntry(ctx, id)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))

	_, err = f.service.UndoEntry(ctx, id)
	require.ErrorIs(t, err, undo.ErrAlreadyUndone)
}

func TestUndoEntryRejectsNotUndoable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	id, err := f.log.Record(ctx, actionlog.RecordSpec{
		Tool:     "shell",
		Category: actionlog.CategoryDestructive,
		Approval: actionlog.ApprovalUser,
	})
	require.NoError(t, err)
	require.NoError(t, f.log.Complete(ctx, id, actionlog.Result{Success: true}))

	_, err = f.service.UndoEntry(ctx, id)
	require.ErrorIs(t, err, undo.ErrNotUndoable)
}

func TestFileWriteReverserPlainTextFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("new"), 0644))

	r := &undo.FileWriteReverser{}
	out, err := r.Reverse(context.Background(), &actionlog.UndoData{
		Kind:            actionlog.UndoFileWrite,
		Path:            path,
		PreviousExisted: true,
		PreviousContent: "old",
	})
	require.NoError(t, err)
	require.Contains(t, out, "restored")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(data))
}
