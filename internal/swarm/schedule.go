package swarm

import (
	"context"
	"errors"

	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/scheduler"
)

// JobScheduler is the slice of the scheduler that scheduled nodes need.
type JobScheduler interface {
	Add(ctx context.Context, spec scheduler.JobSpec) (*scheduler.Job, error)
	Update(ctx context.Context, id string, update scheduler.JobUpdate) (*scheduler.Job, error)
	Remove(ctx context.Context, id string) error
}

// nodeJobSpec builds the scheduler job for a scheduled node: its payload
// launches the node's run through the run manager when the job fires.
func nodeJobSpec(wf *Workflow, node *Node) scheduler.JobSpec {
	return scheduler.JobSpec{
		Name:     wf.ID + "/" + node.ID,
		Enabled:  !node.Disabled,
		Schedule: *node.Schedule,
		Payload: scheduler.Payload{
			Kind:        scheduler.PayloadRun,
			Instruction: node.Instruction,
			AgentID:     node.AgentID,
		},
	}
}

// SyncSchedules reconciles scheduler jobs with the workflow's scheduled
// nodes: a node with a schedule gets a job that launches its run, a node
// that lost its schedule drops its job. Newly assigned job ids are
// persisted back onto the workflow.
func (s *Store) SyncSchedules(ctx context.Context, wf *Workflow, sched JobScheduler) error {
	dirty := false
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		switch {
		case node.Schedule == nil:
			if node.JobID == "" {
				continue
			}
			if err := sched.Remove(ctx, node.JobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
				return err
			}
			node.JobID = ""
			dirty = true

		case node.JobID == "":
			job, err := sched.Add(ctx, nodeJobSpec(wf, node))
			if err != nil {
				return err
			}
			node.JobID = job.ID
			dirty = true

		default:
			spec := nodeJobSpec(wf, node)
			_, err := sched.Update(ctx, node.JobID, scheduler.JobUpdate{
				Name:     &spec.Name,
				Enabled:  &spec.Enabled,
				Schedule: node.Schedule,
				Payload:  &spec.Payload,
			})
			if errors.Is(err, scheduler.ErrJobNotFound) {
				// The job vanished underneath us; register it again.
				job, aerr := sched.Add(ctx, spec)
				if aerr != nil {
					return aerr
				}
				node.JobID = job.ID
				dirty = true
			} else if err != nil {
				return err
			}
		}
	}
	if dirty {
		return s.Save(wf)
	}
	return nil
}

// ClearSchedules removes the scheduler jobs registered for the workflow's
// nodes. Used when the workflow is deleted; a missing job is not an error.
func ClearSchedules(ctx context.Context, wf *Workflow, sched JobScheduler) {
	for _, node := range wf.Nodes {
		if node.JobID == "" {
			continue
		}
		if err := sched.Remove(ctx, node.JobID); err != nil && !errors.Is(err, scheduler.ErrJobNotFound) {
			logger.Warn(ctx, "Failed to remove node job",
				tag.WorkflowID(wf.ID), tag.NodeID(node.ID), tag.JobID(node.JobID), tag.Error(err))
		}
	}
}
