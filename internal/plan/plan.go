// Package plan defines the PlanGraph document produced by a PlanProducer
// and its validation rules. A valid plan is a DAG of steps whose
// dependencies only reference preceding steps.
package plan

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the only plan schema this daemon accepts.
const SchemaVersion = 1

// Step is one unit of work within a plan.
type Step struct {
	ID           string         `json:"id"`
	Tool         string         `json:"tool"`
	Intent       string         `json:"intent,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Reversible   bool           `json:"reversible"`
	DependsOn    []string       `json:"dependsOn,omitempty"`
}

// Graph is the validated DAG of steps an agent intends to perform.
type Graph struct {
	SchemaVersion int    `json:"schemaVersion"`
	Instruction   string `json:"instruction"`
	AgentID       string `json:"agentId"`
	Steps         []Step `json:"steps"`
}

// StepResult captures the outcome of one step during shadow execution.
type StepResult struct {
	StepID   string        `json:"stepId"`
	Tool     string        `json:"tool"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

var (
	ErrSchemaVersion     = errors.New("unsupported plan schema version")
	ErrNoSteps           = errors.New("plan has no steps")
	ErrDuplicateStepID   = errors.New("duplicate step id")
	ErrForwardDependency = errors.New("dependency references a non-preceding step")
	ErrEmptyStepID       = errors.New("step id must not be empty")
	ErrEmptyTool         = errors.New("step tool must not be empty")
)

// Validate checks the plan invariants: schema version, unique non-empty
// step ids, and dependencies that reference preceding steps only. Because
// dependencies must point backwards, a valid plan is acyclic by
// construction.
func (g *Graph) Validate() error {
	if g.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: %d", ErrSchemaVersion, g.SchemaVersion)
	}
	if len(g.Steps) == 0 {
		return ErrNoSteps
	}
	seen := make(map[string]struct{}, len(g.Steps))
	for _, step := range g.Steps {
		if step.ID == "" {
			return ErrEmptyStepID
		}
		if step.Tool == "" {
			return fmt.Errorf("%w: step %q", ErrEmptyTool, step.ID)
		}
		if _, ok := seen[step.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateStepID, step.ID)
		}
		for _, dep := range step.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on %q", ErrForwardDependency, step.ID, dep)
			}
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (g *Graph) Step(id string) *Step {
	for i := range g.Steps {
		if g.Steps[i].ID == id {
			return &g.Steps[i]
		}
	}
	return nil
}
