package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/runs"
)

// NodeStatus is a node's state within an orchestration.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	// NodeSkipped marks nodes that were not launched: disabled, or already
	// covered by an active run. Skips satisfy their dependents.
	NodeSkipped NodeStatus = "skipped"
	// NodeBlocked marks nodes that can never run because a dependency
	// failed, or because fail-fast stopped the workflow.
	NodeBlocked NodeStatus = "blocked"
)

// Skip reasons.
const (
	skipDisabled  = "node is disabled"
	skipActiveRun = "node already has an active run"
)

// Orchestration statuses.
const (
	OrchestrationRunning   = "running"
	OrchestrationCompleted = "completed"
	OrchestrationFailed    = "failed"
)

// NodeState is the live state of one node.
type NodeState struct {
	NodeID     string     `json:"nodeId"`
	RunID      string     `json:"runId,omitempty"`
	Status     NodeStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
}

// Orchestration is one execution of a workflow.
type Orchestration struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflowId"`
	Status     string                `json:"status"`
	Nodes      map[string]*NodeState `json:"nodes"`
	StartedAt  time.Time             `json:"startedAt"`
	FinishedAt time.Time             `json:"finishedAt,omitempty"`
}

// StartOptions override the workflow's own settings for one orchestration.
type StartOptions struct {
	AllowConcurrent *bool `json:"allowConcurrent,omitempty"`
	MaxParallel     *int  `json:"maxParallel,omitempty"`
	FailFast        *bool `json:"failFast,omitempty"`
}

// LaunchedNode names a node and the run it spawned.
type LaunchedNode struct {
	NodeID string `json:"nodeId"`
	RunID  string `json:"runId"`
}

// SkippedNode names a node that was not launched and why.
type SkippedNode struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason"`
}

// StartResult summarises the initial dispatch of an orchestration.
type StartResult struct {
	OrchestrationID string         `json:"orchestrationId"`
	Launched        []LaunchedNode `json:"launched"`
	Skipped         []SkippedNode  `json:"skipped"`
	PendingNodes    []string       `json:"pendingNodes"`
}

// ErrOrchestrationUnknown is returned for snapshot requests on unknown ids.
var ErrOrchestrationUnknown = errors.New("orchestration not found")

// NodeRunner launches agent runs for workflow nodes and reports their
// status. In the daemon this wraps the run manager and executor.
type NodeRunner interface {
	StartNode(ctx context.Context, wf *Workflow, node Node) (string, error)
	RunStatus(ctx context.Context, runID string) (runs.Status, error)
	// NodeActive reports whether the node already has a non-terminal run.
	NodeActive(ctx context.Context, nodeID string) (bool, error)
}

// nodePollInterval is the fallback poll cadence for node run status, in
// case bus events are dropped.
const nodePollInterval = 500 * time.Millisecond

type effectiveOpts struct {
	allowConcurrent bool
	maxParallel     int
	failFast        bool
}

// orchState is the orchestrator's private view of an orchestration.
type orchState struct {
	orch     *Orchestration
	workflow *Workflow
	opts     effectiveOpts
	running  int
}

// Orchestrator runs workflows. Orchestrations live in memory; the runs a
// workflow launches are persisted by the run manager like any other run.
type Orchestrator struct {
	store  *Store
	runner NodeRunner
	bus    *eventbus.Bus

	mu     sync.Mutex
	active map[string]*orchState
}

// NewOrchestrator wires an Orchestrator over the workflow store.
func NewOrchestrator(store *Store, runner NodeRunner, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		store:  store,
		runner: runner,
		bus:    bus,
		active: make(map[string]*orchState),
	}
}

// Start launches an orchestration of the workflow: the ready set is
// dispatched up to the parallelism bound, skipping disabled nodes and, when
// concurrent runs are not allowed, nodes that already have an active run.
func (o *Orchestrator) Start(ctx context.Context, workflowID string, options StartOptions) (*StartResult, error) {
	wf, err := o.store.Get(workflowID)
	if err != nil {
		return nil, err
	}

	opts := effectiveOpts{
		allowConcurrent: wf.AllowConcurrent,
		maxParallel:     wf.maxParallel(),
		failFast:        wf.FailFast,
	}
	if options.AllowConcurrent != nil {
		opts.allowConcurrent = *options.AllowConcurrent
	}
	if options.MaxParallel != nil && *options.MaxParallel > 0 {
		opts.maxParallel = *options.MaxParallel
	}
	if options.FailFast != nil {
		opts.failFast = *options.FailFast
	}

	orch := &Orchestration{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     OrchestrationRunning,
		Nodes:      make(map[string]*NodeState, len(wf.Nodes)),
		StartedAt:  time.Now().UTC(),
	}
	for _, node := range wf.Nodes {
		orch.Nodes[node.ID] = &NodeState{NodeID: node.ID, Status: NodePending}
	}
	st := &orchState{orch: orch, workflow: wf, opts: opts}

	o.mu.Lock()
	o.active[orch.ID] = st
	launch := o.collectReadyLocked(ctx, st)
	o.finishIfSettledLocked(st, launch)
	o.mu.Unlock()

	logger.Info(ctx, "Orchestration started", tag.WorkflowID(workflowID), "orchestrationId", orch.ID)
	o.launch(ctx, st, launch)

	result := &StartResult{OrchestrationID: orch.ID}
	o.mu.Lock()
	for _, node := range wf.Nodes {
		state := orch.Nodes[node.ID]
		switch state.Status {
		case NodeRunning, NodeCompleted, NodeFailed:
			result.Launched = append(result.Launched, LaunchedNode{NodeID: node.ID, RunID: state.RunID})
		case NodeSkipped:
			result.Skipped = append(result.Skipped, SkippedNode{NodeID: node.ID, Reason: state.Reason})
		case NodePending:
			result.PendingNodes = append(result.PendingNodes, node.ID)
		}
	}
	o.mu.Unlock()
	return result, nil
}

// Get returns a snapshot of the orchestration.
func (o *Orchestrator) Get(id string) (*Orchestration, error) {
	return o.snapshot(id)
}

// List returns snapshots of all orchestrations, newest first.
func (o *Orchestrator) List() []*Orchestration {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	out := make([]*Orchestration, 0, len(ids))
	for _, id := range ids {
		if snap, err := o.snapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// depsSatisfied reports whether every dependency reached a state that
// unlocks its dependents. Skipped nodes satisfy their dependents.
func depsSatisfied(st *orchState, node Node) bool {
	for _, dep := range node.DependsOn {
		switch st.orch.Nodes[dep].Status {
		case NodeCompleted, NodeSkipped:
		default:
			return false
		}
	}
	return true
}

// collectReadyLocked walks the pending nodes: skips what must be skipped,
// and marks ready nodes running up to the parallelism bound, returning them
// for launching. Caller holds o.mu.
func (o *Orchestrator) collectReadyLocked(ctx context.Context, st *orchState) []Node {
	var out []Node
	for _, node := range st.workflow.Nodes {
		state := st.orch.Nodes[node.ID]
		if state.Status != NodePending || !depsSatisfied(st, node) {
			continue
		}

		if node.Disabled {
			state.Status = NodeSkipped
			state.Reason = skipDisabled
			continue
		}
		if !st.opts.allowConcurrent {
			active, err := o.runner.NodeActive(ctx, node.ID)
			if err != nil {
				state.Status = NodeFailed
				state.Error = err.Error()
				continue
			}
			if active {
				state.Status = NodeSkipped
				state.Reason = skipActiveRun
				continue
			}
		}

		if st.running >= st.opts.maxParallel {
			continue
		}
		state.Status = NodeRunning
		state.StartedAt = time.Now().UTC()
		st.running++
		out = append(out, node)
	}
	return out
}

// launch starts runs for the given nodes and watches each one.
func (o *Orchestrator) launch(ctx context.Context, st *orchState, nodes []Node) {
	for _, node := range nodes {
		runID, err := o.runner.StartNode(ctx, st.workflow, node)
		if err != nil {
			logger.Error(ctx, "Failed to start workflow node",
				tag.WorkflowID(st.workflow.ID), tag.NodeID(node.ID), tag.Error(err))
			o.nodeDone(ctx, st.orch.ID, node.ID, false, err.Error())
			continue
		}

		o.mu.Lock()
		st.orch.Nodes[node.ID].RunID = runID
		o.mu.Unlock()
		o.publishNode(st.orch, node.ID)

		go o.watchNode(ctx, st.orch.ID, node.ID, runID)
	}
}

// watchNode waits for the node's run to reach a resting state. Bus events
// wake it up; a poll ticker covers dropped events.
func (o *Orchestrator) watchNode(ctx context.Context, orchID, nodeID, runID string) {
	sub := o.bus.Subscribe(ctx, eventbus.RunTopic(runID), 64)
	defer sub.Close()

	ticker := time.NewTicker(nodePollInterval)
	defer ticker.Stop()

	for {
		status, err := o.runner.RunStatus(ctx, runID)
		if err != nil {
			o.nodeDone(ctx, orchID, nodeID, false, err.Error())
			return
		}
		switch {
		case status == runs.StatusCompleted || status == runs.StatusApplied:
			o.nodeDone(ctx, orchID, nodeID, true, "")
			return
		case status.Terminal():
			o.nodeDone(ctx, orchID, nodeID, false, "run "+string(status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-sub.Events():
		}
	}
}

// nodeDone records a node result, blocks what can no longer run, launches
// what became ready, and finishes the orchestration when nothing is left.
func (o *Orchestrator) nodeDone(ctx context.Context, orchID, nodeID string, success bool, errMsg string) {
	o.mu.Lock()
	st, ok := o.active[orchID]
	if !ok {
		o.mu.Unlock()
		return
	}
	state := st.orch.Nodes[nodeID]
	if state.Status != NodeRunning {
		o.mu.Unlock()
		return
	}
	st.running--
	state.FinishedAt = time.Now().UTC()
	if success {
		state.Status = NodeCompleted
	} else {
		state.Status = NodeFailed
		state.Error = errMsg
	}

	if !success {
		o.blockDescendantsLocked(st, nodeID)
		if st.opts.failFast {
			for _, ns := range st.orch.Nodes {
				if ns.Status == NodePending {
					ns.Status = NodeBlocked
					ns.Error = "blocked by fail-fast"
				}
			}
		}
	}

	launch := o.collectReadyLocked(ctx, st)
	finished := o.finishIfSettledLocked(st, launch)
	o.mu.Unlock()

	o.publishNode(st.orch, nodeID)
	if finished {
		logger.Info(ctx, "Orchestration finished",
			tag.WorkflowID(st.orch.WorkflowID), tag.Status(st.orch.Status))
		o.publishFinished(st.orch)
		return
	}
	o.launch(ctx, st, launch)
}

// finishIfSettledLocked closes the orchestration when nothing is running,
// launching, or still able to run. Caller holds o.mu.
func (o *Orchestrator) finishIfSettledLocked(st *orchState, launch []Node) bool {
	if st.orch.Status != OrchestrationRunning || st.running > 0 || len(launch) > 0 {
		return false
	}
	for _, ns := range st.orch.Nodes {
		if ns.Status == NodePending || ns.Status == NodeRunning {
			return false
		}
	}
	st.orch.FinishedAt = time.Now().UTC()
	st.orch.Status = OrchestrationCompleted
	for _, ns := range st.orch.Nodes {
		if ns.Status == NodeFailed || ns.Status == NodeBlocked {
			st.orch.Status = OrchestrationFailed
			break
		}
	}
	return true
}

// blockDescendantsLocked marks everything downstream of the failed node as
// blocked, transitively.
func (o *Orchestrator) blockDescendantsLocked(st *orchState, failedID string) {
	blocked := map[string]bool{failedID: true}
	// Nodes may be listed in any order, so iterate to a fixpoint.
	for changed := true; changed; {
		changed = false
		for _, node := range st.workflow.Nodes {
			if blocked[node.ID] {
				continue
			}
			for _, dep := range node.DependsOn {
				if !blocked[dep] {
					continue
				}
				blocked[node.ID] = true
				changed = true
				state := st.orch.Nodes[node.ID]
				if state.Status == NodePending {
					state.Status = NodeBlocked
					state.Error = fmt.Sprintf("dependency %q failed", dep)
				}
				break
			}
		}
	}
}

func (o *Orchestrator) snapshot(id string) (*Orchestration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrchestrationUnknown, id)
	}
	cp := *st.orch
	cp.Nodes = make(map[string]*NodeState, len(st.orch.Nodes))
	for nodeID, ns := range st.orch.Nodes {
		n := *ns
		cp.Nodes[nodeID] = &n
	}
	return &cp, nil
}

func (o *Orchestrator) publishNode(orch *Orchestration, nodeID string) {
	o.mu.Lock()
	state := *orch.Nodes[nodeID]
	o.mu.Unlock()
	o.bus.Publish(eventbus.SwarmTopic(orch.WorkflowID), eventbus.Event{
		Type: eventbus.EventStatusChange,
		Payload: map[string]any{
			"orchestrationId": orch.ID,
			"workflowId":      orch.WorkflowID,
			"nodeId":          nodeID,
			"status":          string(state.Status),
			"runId":           state.RunID,
			"error":           state.Error,
		},
	})
}

func (o *Orchestrator) publishFinished(orch *Orchestration) {
	o.bus.Publish(eventbus.SwarmTopic(orch.WorkflowID), eventbus.Event{
		Type: eventbus.EventDone,
		Payload: map[string]any{
			"orchestrationId": orch.ID,
			"workflowId":      orch.WorkflowID,
			"status":          orch.Status,
		},
	})
}
