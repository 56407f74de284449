// Package executor drives a run through its phases: produce a plan, shadow
// it without side effects, gate the apply on the approval policy, then apply
// step by step with every effect recorded in the action log first.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/undoable-org/undoable/internal/actionlog"
)

// Tool executes one kind of plan step. Shadow must be free of side effects;
// Apply performs the real effect.
type Tool interface {
	Name() string
	Category(params map[string]any) actionlog.Category
	Undoable(params map[string]any) bool
	Shadow(ctx context.Context, params map[string]any) (string, error)
	Apply(ctx context.Context, params map[string]any) (string, error)
}

// UndoPreparer is implemented by reversible tools. PrepareUndo captures the
// state needed to reverse the effect and runs before Apply, so the snapshot
// is in the action log before the effect happens.
type UndoPreparer interface {
	PrepareUndo(ctx context.Context, params map[string]any) (*actionlog.UndoData, error)
}

// ErrUnknownTool is returned when a plan references a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Registry is the set of tools available to plans.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringParam extracts a string parameter, empty when absent or mistyped.
func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// boolParam extracts a bool parameter.
func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}
