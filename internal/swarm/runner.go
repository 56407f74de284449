package swarm

import (
	"context"

	"github.com/undoable-org/undoable/internal/executor"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/runs"
)

// NodeJobID is the synthetic job id carried by a node's runs, used to find
// active runs for the node across orchestrations.
func NodeJobID(nodeID string) string { return "swarm-node-" + nodeID }

// ManagedRunner launches workflow nodes as ordinary runs through the run
// manager and drives each one with the executor.
type ManagedRunner struct {
	manager *runs.Manager
	exec    *executor.Executor
}

// NewManagedRunner wires the production NodeRunner.
func NewManagedRunner(manager *runs.Manager, exec *executor.Executor) *ManagedRunner {
	return &ManagedRunner{manager: manager, exec: exec}
}

// StartNode creates the node's run and starts executing it in the
// background. The run carries a job id derived from the node, so run
// listings can be filtered back to the workflow.
func (r *ManagedRunner) StartNode(ctx context.Context, wf *Workflow, node Node) (string, error) {
	run, err := r.manager.Create(ctx, runs.CreateSpec{
		Owner:       "swarm",
		Instruction: node.Instruction,
		AgentID:     node.AgentID,
		JobID:       NodeJobID(node.ID),
	})
	if err != nil {
		return "", err
	}
	go func() {
		if err := r.exec.Execute(ctx, run.ID); err != nil {
			logger.Debug(ctx, "Workflow node run ended with error",
				tag.WorkflowID(wf.ID), tag.NodeID(node.ID), tag.RunID(run.ID), tag.Error(err))
		}
	}()
	return run.ID, nil
}

// RunStatus reports the node run's current status.
func (r *ManagedRunner) RunStatus(ctx context.Context, runID string) (runs.Status, error) {
	run, err := r.manager.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// NodeActive reports whether any non-terminal run carries the node's
// synthetic job id.
func (r *ManagedRunner) NodeActive(ctx context.Context, nodeID string) (bool, error) {
	return r.manager.ActiveByJobID(ctx, NodeJobID(nodeID))
}
