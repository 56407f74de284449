package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/fileutil"
)

// FSWriteTool writes a file, snapshotting the previous content so the write
// can be reversed.
//
// Params: path (string, required), content (string) or contentBase64
// (string).
type FSWriteTool struct {
	// Root restricts writes to paths under it when non-empty.
	Root string
}

func (t *FSWriteTool) Name() string { return "fs.write" }

func (t *FSWriteTool) Category(map[string]any) actionlog.Category {
	return actionlog.CategoryMutate
}

func (t *FSWriteTool) Undoable(map[string]any) bool { return true }

func (t *FSWriteTool) resolve(params map[string]any) (string, []byte, error) {
	path := stringParam(params, "path")
	if path == "" {
		return "", nil, fmt.Errorf("fs.write: missing path")
	}
	if t.Root != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(t.Root, path)
		}
		rel, err := filepath.Rel(t.Root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", nil, fmt.Errorf("fs.write: path %q escapes workspace", path)
		}
	}
	if b64 := stringParam(params, "contentBase64"); b64 != "" {
		content, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", nil, fmt.Errorf("fs.write: bad contentBase64: %w", err)
		}
		return path, content, nil
	}
	return path, []byte(stringParam(params, "content")), nil
}

// Shadow validates the parameters and describes the write without touching
// the filesystem.
func (t *FSWriteTool) Shadow(_ context.Context, params map[string]any) (string, error) {
	path, content, err := t.resolve(params)
	if err != nil {
		return "", err
	}
	verb := "create"
	if fileutil.FileExists(path) {
		verb = "overwrite"
	}
	return fmt.Sprintf("would %s %s (%d bytes)", verb, path, len(content)), nil
}

// PrepareUndo snapshots the target file's current content. It runs before
// Apply, so the snapshot is on disk in the action log before the write.
func (t *FSWriteTool) PrepareUndo(_ context.Context, params map[string]any) (*actionlog.UndoData, error) {
	path, _, err := t.resolve(params)
	if err != nil {
		return nil, err
	}
	undo := &actionlog.UndoData{Kind: actionlog.UndoFileWrite, Path: path}
	prev, err := os.ReadFile(path) //nolint:gosec
	switch {
	case err == nil:
		undo.PreviousExisted = true
		undo.ContentBase64 = base64.StdEncoding.EncodeToString(prev)
	case os.IsNotExist(err):
		undo.PreviousExisted = false
	default:
		return nil, fmt.Errorf("fs.write: failed to snapshot %s: %w", path, err)
	}
	return undo, nil
}

// Apply writes the file atomically.
func (t *FSWriteTool) Apply(_ context.Context, params map[string]any) (string, error) {
	path, content, err := t.resolve(params)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("fs.write: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, content, 0644); err != nil {
		return "", fmt.Errorf("fs.write: %w", err)
	}
	return fmt.Sprintf("wrote %s (%d bytes)", path, len(content)), nil
}
