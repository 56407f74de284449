package scheduler

import (
	"context"
	"fmt"

	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/runs"
)

// RunLauncher is the slice of the run manager the scheduler needs.
type RunLauncher interface {
	Create(ctx context.Context, spec runs.CreateSpec) (*runs.Run, error)
	ActiveByJobID(ctx context.Context, jobID string) (bool, error)
}

// PayloadExecutor turns a fired job into a run or a bus event.
type PayloadExecutor struct {
	launcher RunLauncher
	bus      *eventbus.Bus
}

// NewPayloadExecutor wires the default executor.
func NewPayloadExecutor(launcher RunLauncher, bus *eventbus.Bus) *PayloadExecutor {
	return &PayloadExecutor{launcher: launcher, bus: bus}
}

// Execute dispatches the job's payload. A run payload is skipped while a
// previous run for the same job is still active, so overlapping schedules
// never stack runs.
func (e *PayloadExecutor) Execute(ctx context.Context, job *Job) error {
	switch job.Payload.Kind {
	case PayloadRun:
		active, err := e.launcher.ActiveByJobID(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to check active runs for job %s: %w", job.ID, err)
		}
		if active {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ID)
		}
		_, err = e.launcher.Create(ctx, runs.CreateSpec{
			Owner:       "scheduler",
			Instruction: job.Payload.Instruction,
			AgentID:     job.Payload.AgentID,
			JobID:       job.ID,
		})
		return err

	case PayloadEvent:
		e.bus.Publish(job.Payload.Topic, eventbus.Event{
			Type:    eventbus.EventStatusChange,
			Payload: job.Payload.Event,
		})
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, job.Payload.Kind)
	}
}
