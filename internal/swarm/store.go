package swarm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"

	"github.com/undoable-org/undoable/internal/fileutil"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// Store keeps workflow definitions as YAML files in a single directory, one
// file per workflow, and mirrors them in memory. A filesystem watcher picks
// up edits made outside the API.
type Store struct {
	dir string

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewStore creates a store over dir and loads the definitions already there.
func NewStore(ctx context.Context, dir string) (*Store, error) {
	s := &Store{dir: dir, workflows: make(map[string]*Workflow)}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create workflows dir: %w", err)
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// reload re-reads every YAML file in the directory. Invalid files are
// logged and skipped so one bad edit does not take the set down.
func (s *Store) reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read workflows dir: %w", err)
	}

	loaded := make(map[string]*Workflow)
	for _, entry := range entries {
		if entry.IsDir() || !fileutil.IsYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		wf, err := readWorkflowFile(path)
		if err != nil {
			logger.Warn(ctx, "Skipping invalid workflow file", tag.File(path), tag.Error(err))
			continue
		}
		loaded[wf.ID] = wf
	}

	s.mu.Lock()
	s.workflows = loaded
	s.mu.Unlock()
	logger.Debug(ctx, "Workflows loaded", tag.Dir(s.dir), tag.Count(len(loaded)))
	return nil
}

func readWorkflowFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("bad yaml: %w", err)
	}
	if wf.ID == "" {
		// Fall back to the file name so hand-written files stay terse.
		wf.ID = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Watch reloads the store when files under the directory change. It blocks
// until the context is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !fileutil.IsYAMLFile(event.Name) {
				continue
			}
			logger.Debug(ctx, "Workflow file changed", tag.File(event.Name))
			if err := s.reload(ctx); err != nil {
				logger.Error(ctx, "Workflow reload failed", tag.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(ctx, "Workflow watcher error", tag.Error(err))
		}
	}
}

// Save validates and persists a workflow, replacing any previous version.
func (s *Store) Save(wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}
	if err := fileutil.WriteFileAtomic(s.path(wf.ID), data, 0600); err != nil {
		return err
	}

	s.mu.Lock()
	cp := *wf
	s.workflows[wf.ID] = &cp
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the workflow.
func (s *Store) Get(id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	cp := *wf
	return &cp, nil
}

// List returns copies of all workflows, sorted by id.
func (s *Store) List() []*Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes the workflow and its file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove workflow file: %w", err)
	}
	delete(s.workflows, id)
	return nil
}
