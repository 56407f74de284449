// Package actionlog implements the append-only ledger of tool invocations.
// Every tool call is recorded before it executes, so the entry survives a
// crash mid-invocation, and completed with its result afterwards. The undo
// service replays this ledger in reverse.
package actionlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/undoable-org/undoable/internal/fileutil"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
)

// Category classifies an action's effect.
type Category string

const (
	CategoryRead         Category = "read"
	CategoryMutate       Category = "mutate"
	CategoryNetwork      Category = "network"
	CategoryDestructive  Category = "destructive"
	CategoryCompensation Category = "compensation"
)

// Approval records the gate decision attached to an action.
type Approval string

const (
	ApprovalAuto   Approval = "auto-approved"
	ApprovalUser   Approval = "user-approved"
	ApprovalDenied Approval = "denied"
)

// UndoData carries enough state to reverse an action without re-consulting
// the tool. Kind selects the reverser; the remaining fields are per-kind.
type UndoData struct {
	Kind string `json:"kind"`

	// file-write
	Path            string `json:"path,omitempty"`
	PreviousContent string `json:"previousContent,omitempty"`
	ContentBase64   string `json:"contentBase64,omitempty"`
	PreviousExisted bool   `json:"previousExisted,omitempty"`

	// git-commit
	Dir      string `json:"dir,omitempty"`
	PriorRef string `json:"priorRef,omitempty"`

	// patch-apply
	Patch string `json:"patch,omitempty"`
}

// Undo data kinds.
const (
	UndoFileWrite  = "file-write"
	UndoGitCommit  = "git-commit"
	UndoPatchApply = "patch-apply"
)

// Result is the completion envelope of an action.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Entry is one ledger record. Once completed, an entry is immutable.
type Entry struct {
	ID          string         `json:"id"`
	RunID       string         `json:"runId,omitempty"`
	Tool        string         `json:"tool"`
	Category    Category       `json:"category"`
	Params      map[string]any `json:"params,omitempty"`
	Approval    Approval       `json:"approval"`
	Undoable    bool           `json:"undoable"`
	UndoData    *UndoData      `json:"undoData,omitempty"`
	Undone      bool           `json:"undone,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Result      *Result        `json:"result,omitempty"`
}

// Completed reports whether the entry has received its result.
func (e *Entry) Completed() bool { return e.CompletedAt != nil }

// RecordSpec describes a new pending entry.
type RecordSpec struct {
	RunID    string
	Tool     string
	Category Category
	Params   map[string]any
	Approval Approval
	Undoable bool
	UndoData *UndoData
}

var (
	ErrEntryNotFound    = errors.New("action log entry not found")
	ErrDuplicatePending = errors.New("duplicate pending entry for the same id")
	ErrInvalidCategory  = errors.New("invalid action category")
)

// Log is the append-only action ledger backed by a JSON-lines file. Writes
// are guarded by a single in-process writer lock plus a cross-process flock,
// and flushed on each append.
type Log struct {
	path  string
	flock *flock.Flock

	mu      sync.Mutex
	file    *os.File
	entries map[string]*Entry
	order   []string
}

// Operation kinds within the file. An entry spans a "record" line and, once
// finished, a "complete" line; undo appends "undone" markers.
type line struct {
	Op          string     `json:"op"`
	Entry       *Entry     `json:"entry,omitempty"`
	ID          string     `json:"id,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Open loads (or creates) the ledger at path. Truncated trailing lines are
// discarded; a second pending record for an already pending id is rejected.
func Open(ctx context.Context, path string) (*Log, error) {
	l := &Log{
		path:    path,
		flock:   flock.New(path + ".lock"),
		entries: make(map[string]*Entry),
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	f, err := fileutil.OpenOrCreateFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

func (l *Log) load(ctx context.Context) error {
	f, err := os.Open(l.path) //nolint:gosec
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open action log %s: %w", l.path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var discarded int
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ln line
		if err := json.Unmarshal(raw, &ln); err != nil {
			// Crash residue: a partially written trailing line.
			discarded++
			continue
		}
		switch ln.Op {
		case "record":
			if ln.Entry == nil || ln.Entry.ID == "" {
				discarded++
				continue
			}
			if existing, ok := l.entries[ln.Entry.ID]; ok && !existing.Completed() {
				return fmt.Errorf("%w: %s", ErrDuplicatePending, ln.Entry.ID)
			}
			entry := *ln.Entry
			l.entries[entry.ID] = &entry
			l.order = append(l.order, entry.ID)
		case "complete":
			entry, ok := l.entries[ln.ID]
			if !ok || entry.Completed() {
				continue
			}
			entry.Result = ln.Result
			entry.CompletedAt = ln.CompletedAt
		case "undone":
			if entry, ok := l.entries[ln.ID]; ok {
				entry.Undone = true
			}
		default:
			discarded++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read action log %s: %w", l.path, err)
	}
	if discarded > 0 {
		logger.Warn(ctx, "Discarded malformed action log lines", tag.File(l.path), tag.Count(discarded))
	}
	return nil
}

// Record appends a pending entry and returns its id. It must be called
// before the tool executes.
func (l *Log) Record(ctx context.Context, spec RecordSpec) (string, error) {
	switch spec.Category {
	case CategoryRead, CategoryMutate, CategoryNetwork, CategoryDestructive, CategoryCompensation:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, spec.Category)
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		RunID:     spec.RunID,
		Tool:      spec.Tool,
		Category:  spec.Category,
		Params:    spec.Params,
		Approval:  spec.Approval,
		Undoable:  spec.Undoable,
		UndoData:  spec.UndoData,
		StartedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(line{Op: "record", Entry: entry}); err != nil {
		return "", err
	}
	l.entries[entry.ID] = entry
	l.order = append(l.order, entry.ID)

	logger.Debug(ctx, "Action recorded", tag.Tool(entry.Tool), "entryId", entry.ID)
	return entry.ID, nil
}

// Complete attaches the result to a pending entry. Completing an already
// completed entry is a no-op.
func (l *Log) Complete(_ context.Context, entryID string, result Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if entry.Completed() {
		return nil
	}
	now := time.Now().UTC()
	if err := l.append(line{Op: "complete", ID: entryID, Result: &result, CompletedAt: &now}); err != nil {
		return err
	}
	entry.Result = &result
	entry.CompletedAt = &now
	return nil
}

// MarkUndone flags an entry as reversed. The original entry body stays
// immutable; the flag only prevents double-undo.
func (l *Log) MarkUndone(_ context.Context, entryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	if err := l.append(line{Op: "undone", ID: entryID}); err != nil {
		return err
	}
	entry.Undone = true
	return nil
}

// Get returns the entry with the given id.
func (l *Log) Get(entryID string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	cp := *entry
	return &cp, nil
}

// Entries returns all entries in reverse-chronological order.
func (l *Log) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Entry, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		cp := *l.entries[l.order[i]]
		out = append(out, &cp)
	}
	return out
}

// EntriesForRun returns the run's entries in reverse-chronological order.
func (l *Log) EntriesForRun(runID string) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Entry
	for i := len(l.order) - 1; i >= 0; i-- {
		entry := l.entries[l.order[i]]
		if entry.RunID == runID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// append writes a single line and flushes it. Caller holds l.mu.
func (l *Log) append(ln line) error {
	data, err := json.Marshal(ln)
	if err != nil {
		return fmt.Errorf("failed to marshal action log line: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to lock action log: %w", err)
	}
	defer func() {
		_ = l.flock.Unlock()
	}()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append to action log: %w", err)
	}
	return nil
}
