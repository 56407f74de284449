// Package swarm runs multi-agent workflows: a DAG of nodes, each node one
// agent run, dispatched with bounded parallelism and unlocked as its
// dependencies complete.
package swarm

import (
	"errors"
	"fmt"

	"github.com/undoable-org/undoable/internal/scheduler"
)

// DefaultMaxParallel bounds concurrent node runs when a workflow does not
// set its own limit.
const DefaultMaxParallel = 2

// Node is one unit of a workflow: a single agent run.
type Node struct {
	ID          string   `json:"id" yaml:"id"`
	Instruction string   `json:"instruction" yaml:"instruction"`
	AgentID     string   `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	// Disabled nodes are skipped; their dependents still run.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	// Schedule, when set, delegates launching this node to the scheduler
	// on a cadence of its own, independent of orchestrations.
	Schedule *scheduler.Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	// JobID is the scheduler job registered for the node's schedule.
	JobID string `json:"jobId,omitempty" yaml:"jobId,omitempty"`
}

// Workflow is a named DAG of nodes.
type Workflow struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// MaxParallel bounds concurrently running nodes; zero means the
	// default.
	MaxParallel int `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	// FailFast blocks all downstream nodes once any node fails.
	FailFast bool `json:"failFast,omitempty" yaml:"failFast,omitempty"`
	// AllowConcurrent permits overlapping orchestrations of this workflow.
	AllowConcurrent bool   `json:"allowConcurrent,omitempty" yaml:"allowConcurrent,omitempty"`
	Nodes           []Node `json:"nodes" yaml:"nodes"`
}

var (
	ErrEmptyWorkflowID  = errors.New("workflow id must not be empty")
	ErrNoNodes          = errors.New("workflow has no nodes")
	ErrDuplicateNodeID  = errors.New("duplicate node id")
	ErrUnknownDep       = errors.New("dependency references unknown node")
	ErrCycle            = errors.New("workflow contains a cycle")
	ErrEmptyInstruction = errors.New("node instruction must not be empty")
)

// Validate checks the workflow shape and rejects cyclic dependency graphs.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return ErrEmptyWorkflowID
	}
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%w: %s", ErrNoNodes, w.ID)
	}

	byID := make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		node := &w.Nodes[i]
		if node.ID == "" {
			return fmt.Errorf("workflow %s: node id must not be empty", w.ID)
		}
		if node.Instruction == "" {
			return fmt.Errorf("%w: node %q", ErrEmptyInstruction, node.ID)
		}
		if _, ok := byID[node.ID]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateNodeID, node.ID)
		}
		if node.Schedule != nil {
			if err := node.Schedule.Validate(); err != nil {
				return fmt.Errorf("node %q: %w", node.ID, err)
			}
		}
		byID[node.ID] = node
	}
	for _, node := range w.Nodes {
		for _, dep := range node.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on %q", ErrUnknownDep, node.ID, dep)
			}
			if dep == node.ID {
				return fmt.Errorf("%w: node %q depends on itself", ErrCycle, node.ID)
			}
		}
	}

	// Kahn's algorithm: if a topological order does not cover every node,
	// the leftover nodes form a cycle.
	indegree := make(map[string]int, len(w.Nodes))
	dependents := make(map[string][]string, len(w.Nodes))
	for _, node := range w.Nodes {
		indegree[node.ID] += 0
		for _, dep := range node.DependsOn {
			indegree[node.ID]++
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(w.Nodes) {
		return fmt.Errorf("%w: %s", ErrCycle, w.ID)
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// maxParallel returns the effective parallelism bound.
func (w *Workflow) maxParallel() int {
	if w.MaxParallel > 0 {
		return w.MaxParallel
	}
	return DefaultMaxParallel
}
