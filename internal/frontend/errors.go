// Package frontend is the daemon's HTTP surface: a chi router exposing run,
// scheduler, swarm and settings endpoints plus per-run SSE streams, guarded
// by the admission and operation-mode gates.
package frontend

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/plan"
	"github.com/undoable-org/undoable/internal/runs"
	"github.com/undoable-org/undoable/internal/scheduler"
	"github.com/undoable-org/undoable/internal/swarm"
	"github.com/undoable-org/undoable/internal/undo"
)

// CodeOperationModeBlock is the machine-readable code on 423 responses.
const CodeOperationModeBlock = "DAEMON_OPERATION_MODE_BLOCK"

// apiError is the JSON error envelope on every non-2xx response.
type apiError struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Recovery string `json:"recovery,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// respondError maps domain errors onto the HTTP error contract. Unknown
// errors become a 500 with an opaque correlation id; the cause stays in the
// daemon log only.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case isValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case isConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		correlationID := uuid.NewString()
		logger.Error(r.Context(), "Internal error", "correlationId", correlationID, tag.Error(err))
		writeJSON(w, http.StatusInternalServerError, apiError{
			Error: "internal error",
			Code:  correlationID,
		})
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, runs.ErrRunNotFound) ||
		errors.Is(err, scheduler.ErrJobNotFound) ||
		errors.Is(err, swarm.ErrWorkflowNotFound) ||
		errors.Is(err, swarm.ErrOrchestrationUnknown) ||
		errors.Is(err, actionlog.ErrEntryNotFound)
}

func isValidation(err error) bool {
	return errors.Is(err, runs.ErrEmptyInstruction) ||
		errors.Is(err, scheduler.ErrInvalidSchedule) ||
		errors.Is(err, scheduler.ErrInvalidPayload) ||
		errors.Is(err, swarm.ErrEmptyWorkflowID) ||
		errors.Is(err, swarm.ErrNoNodes) ||
		errors.Is(err, swarm.ErrUnknownDep) ||
		errors.Is(err, swarm.ErrEmptyInstruction) ||
		errors.Is(err, plan.ErrSchemaVersion) ||
		errors.Is(err, plan.ErrForwardDependency)
}

func isConflict(err error) bool {
	return errors.Is(err, runs.ErrInvalidTransition) ||
		errors.Is(err, runs.ErrRunNotTerminal) ||
		errors.Is(err, scheduler.ErrAlreadyRunning) ||
		errors.Is(err, swarm.ErrCycle) ||
		errors.Is(err, swarm.ErrDuplicateNodeID) ||
		errors.Is(err, undo.ErrRunNotUndoable) ||
		errors.Is(err, undo.ErrNothingToUndo) ||
		errors.Is(err, undo.ErrAlreadyUndone) ||
		errors.Is(err, undo.ErrNotUndoable)
}

// decodeJSON parses a request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
