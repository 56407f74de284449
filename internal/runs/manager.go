package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
)

var (
	// ErrInvalidTransition is returned for moves the phase machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRunNotTerminal is returned when deleting a run that is in flight.
	ErrRunNotTerminal = errors.New("run is not in a terminal state")
	// ErrEmptyInstruction rejects run specs with no instruction text.
	ErrEmptyInstruction = errors.New("instruction must not be empty")
)

// CreateSpec describes a new run.
type CreateSpec struct {
	Owner       string
	Instruction string
	AgentID     string
	JobID       string
}

// Manager owns run CRUD and guarded status transitions. Every transition is
// published on the run's bus topic.
type Manager struct {
	store Store
	bus   *eventbus.Bus
}

// NewManager creates a Manager over the given store.
func NewManager(store Store, bus *eventbus.Bus) *Manager {
	return &Manager{store: store, bus: bus}
}

// Create registers a new run in status created.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Run, error) {
	if spec.Instruction == "" {
		return nil, ErrEmptyInstruction
	}
	now := time.Now().UTC()
	run := &Run{
		ID:          uuid.NewString(),
		JobID:       spec.JobID,
		Owner:       spec.Owner,
		Instruction: spec.Instruction,
		AgentID:     spec.AgentID,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Save(run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	logger.Info(ctx, "Run created", tag.RunID(run.ID), tag.JobID(run.JobID))
	m.publishStatus(run, "", "create")
	cp := *run
	return &cp, nil
}

// Get returns the run with the given id.
func (m *Manager) Get(_ context.Context, id string) (*Run, error) {
	return m.store.Get(id)
}

// List returns all runs, newest first.
func (m *Manager) List(_ context.Context) ([]*Run, error) {
	return m.store.List()
}

// ListByJobID returns the runs launched for the given job id, newest first.
func (m *Manager) ListByJobID(_ context.Context, jobID string) ([]*Run, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(r *Run, _ int) bool { return r.JobID == jobID }), nil
}

// ActiveByJobID reports whether any non-terminal run carries the job id.
func (m *Manager) ActiveByJobID(ctx context.Context, jobID string) (bool, error) {
	matched, err := m.ListByJobID(ctx, jobID)
	if err != nil {
		return false, err
	}
	return lo.SomeBy(matched, func(r *Run) bool { return !r.Status.Terminal() }), nil
}

// UpdateStatus applies a guarded status transition and publishes it. The
// actor is recorded in the event payload for the audit trail.
func (m *Manager) UpdateStatus(ctx context.Context, id string, next Status, actor string) (*Run, error) {
	run, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	prev := run.Status
	if !CanTransition(prev, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	if next == StatusPaused {
		run.PriorStatus = prev
	} else {
		run.PriorStatus = ""
	}
	run.Status = next
	run.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	logger.Info(ctx, "Run status changed", tag.RunID(id), "from", string(prev), "to", string(next), "actor", actor)
	m.publishStatus(run, prev, actor)
	cp := *run
	return &cp, nil
}

// Resume moves a paused run back to the status it paused from. It is the
// only way out of paused besides cancel and fail.
func (m *Manager) Resume(ctx context.Context, id string, actor string) (*Run, error) {
	run, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPaused {
		return nil, fmt.Errorf("%w: %s -> resume", ErrInvalidTransition, run.Status)
	}
	prior := run.PriorStatus
	if prior == "" {
		prior = StatusCreated
	}
	run.Status = prior
	run.PriorStatus = ""
	run.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	logger.Info(ctx, "Run resumed", tag.RunID(id), "to", string(prior), "actor", actor)
	m.publishStatus(run, StatusPaused, actor)
	cp := *run
	return &cp, nil
}

// Delete removes a run. Only terminal runs (and applied ones, which accept
// no more phase work) may be deleted.
func (m *Manager) Delete(ctx context.Context, id string) error {
	run, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if !run.Status.Terminal() && run.Status != StatusApplied {
		return fmt.Errorf("%w: %s", ErrRunNotTerminal, run.Status)
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	logger.Info(ctx, "Run deleted", tag.RunID(id))
	return nil
}

func (m *Manager) publishStatus(run *Run, prev Status, actor string) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{
		"runId":  run.ID,
		"status": string(run.Status),
		"actor":  actor,
	}
	if prev != "" {
		payload["from"] = string(prev)
	}
	if run.JobID != "" {
		payload["jobId"] = run.JobID
	}
	m.bus.Publish(eventbus.RunTopic(run.ID), eventbus.Event{
		Type:    eventbus.EventStatusChange,
		Payload: payload,
	})
}
