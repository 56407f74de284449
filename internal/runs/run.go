// Package runs holds the Run model and the manager that owns run state
// transitions. A Run is one execution of an instruction through the
// plan -> shadow -> apply pipeline.
package runs

import (
	"time"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPlanning         Status = "planning"
	StatusPlanned          Status = "planned"
	StatusShadowing        Status = "shadowing"
	StatusShadowed         Status = "shadowed"
	StatusApprovalRequired Status = "approval_required"
	StatusApplying         Status = "applying"
	StatusApplied          Status = "applied"
	StatusUndoing          Status = "undoing"
	StatusUndone           Status = "undone"
	StatusPaused           Status = "paused"
	StatusCancelled        Status = "cancelled"
	StatusFailed           Status = "failed"
	StatusCompleted        Status = "completed"
)

// Terminal reports whether the status accepts no further phase transitions.
// Applied is terminal for the phase machine but still accepts an undo
// request.
func (s Status) Terminal() bool {
	switch s {
	case StatusUndone, StatusCancelled, StatusFailed, StatusCompleted:
		return true
	default:
		return false
	}
}

// Active reports whether the run is in flight.
func (s Status) Active() bool {
	return !s.Terminal() && s != StatusApplied
}

// transitions is the phase machine. Paused is handled separately: any
// non-terminal status may pause, and resume restores the prior status.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusPlanning, StatusCancelled, StatusFailed},
	StatusPlanning:         {StatusPlanned, StatusFailed, StatusCancelled},
	StatusPlanned:          {StatusShadowing, StatusFailed, StatusCancelled},
	StatusShadowing:        {StatusShadowed, StatusFailed, StatusCancelled},
	StatusShadowed:         {StatusApprovalRequired, StatusApplying, StatusCompleted, StatusFailed, StatusCancelled},
	StatusApprovalRequired: {StatusApplying, StatusFailed, StatusCancelled},
	StatusApplying:         {StatusApplied, StatusFailed},
	StatusApplied:          {StatusUndoing, StatusCompleted},
	StatusUndoing:          {StatusUndone, StatusFailed},
}

// CanTransition reports whether from -> to is a legal move in the phase
// machine, including pause/resume.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if to == StatusPaused {
		return !from.Terminal() && from != StatusApplied
	}
	if from == StatusPaused {
		// A paused run holds position: only cancel and fail leave it
		// directly. The manager's Resume restores the prior status.
		return to == StatusCancelled || to == StatusFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is the unit of agent work.
type Run struct {
	ID          string `json:"id"`
	JobID       string `json:"jobId,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Instruction string `json:"instruction"`
	AgentID     string `json:"agentId,omitempty"`
	Status      Status `json:"status"`
	// PriorStatus remembers the status a paused run resumes into.
	PriorStatus Status    `json:"priorStatus,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
