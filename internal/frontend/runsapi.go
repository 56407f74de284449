package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/logger/tag"
	"github.com/undoable-org/undoable/internal/runs"
)

type createRunRequest struct {
	Instruction string `json:"instruction"`
	AgentID     string `json:"agentId,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var body createRunRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	run, err := s.deps.Manager.Create(r.Context(), runs.CreateSpec{
		Owner:       "user",
		Instruction: body.Instruction,
		AgentID:     body.AgentID,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RunsTotal.WithLabelValues(run.Owner).Inc()
	}

	s.launchRun(r, run.ID)
	writeJSON(w, http.StatusCreated, run)
}

// launchRun starts the executor for the run. The run outlives the request,
// so execution detaches from its cancellation but keeps the request logger.
func (s *Server) launchRun(r *http.Request, runID string) {
	execCtx := logger.WithLogger(context.Background(), logger.FromContext(r.Context()))
	go func() {
		if err := s.deps.Executor.Execute(execCtx, runID); err != nil {
			logger.Error(execCtx, "Run finished with error", tag.RunID(runID), tag.Error(err))
		}
	}()
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var (
		list []*runs.Run
		err  error
	)
	if jobID := r.URL.Query().Get("jobId"); jobID != "" {
		list, err = s.deps.Manager.ListByJobID(r.Context(), jobID)
	} else {
		list, err = s.deps.Manager.List(r.Context())
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*runs.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Manager.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Delete(r.Context(), chi.URLParam(r, "runID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunActionLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Manager.Get(r.Context(), runID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.deps.ActionLog.EntriesForRun(runID),
	})
}

// handleRunAction dispatches POST /runs/{id}/{action}.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	action := chi.URLParam(r, "action")

	switch action {
	case "pause":
		// Gate the executor before the status flips, so it parks at its
		// next boundary instead of running through the pause.
		gated := s.deps.Executor.Pause(runID)
		run, err := s.deps.Manager.UpdateStatus(r.Context(), runID, runs.StatusPaused, "user")
		if err != nil {
			if gated {
				s.deps.Executor.Resume(runID)
			}
			respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "resume":
		run, err := s.deps.Manager.Resume(r.Context(), runID, "user")
		if err != nil {
			respondError(w, r, err)
			return
		}
		s.deps.Executor.Resume(runID)
		// A run paused before its executor picked it up restarts here.
		if run.Status == runs.StatusCreated && !s.deps.Executor.Executing(runID) {
			s.launchRun(r, runID)
		}
		writeJSON(w, http.StatusOK, run)
	case "cancel":
		s.cancelRun(w, r, runID)
	case "apply":
		if _, err := s.deps.Manager.Get(r.Context(), runID); err != nil {
			respondError(w, r, err)
			return
		}
		if !s.deps.Broker.Resolve(runID, true) {
			writeError(w, http.StatusConflict, "run is not waiting for approval")
			return
		}
		s.respondRun(w, r, runID)
	case "undo":
		report, err := s.deps.Undo.UndoRun(r.Context(), runID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if s.deps.Metrics != nil {
			status := "ok"
			if report.Halted {
				status = "halted"
			}
			s.deps.Metrics.UndoTotal.WithLabelValues(status).Inc()
		}
		s.respondRun(w, r, runID)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
	}
}

// cancelRun stops a run wherever it is: a parked approval is denied, an
// executing run is interrupted, and an idle one is transitioned directly.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.deps.Manager.Get(r.Context(), runID); err != nil {
		respondError(w, r, err)
		return
	}
	switch {
	case s.deps.Broker.Waiting(runID):
		s.deps.Broker.Resolve(runID, false)
	case s.deps.Executor.Cancel(runID):
	default:
		if _, err := s.deps.Manager.UpdateStatus(r.Context(), runID, runs.StatusCancelled, "user"); err != nil {
			respondError(w, r, err)
			return
		}
	}
	s.respondRun(w, r, runID)
}

// respondRun writes the run's current state.
func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := s.deps.Manager.Get(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents streams the run's bus topic as server-sent events. Each
// frame carries one JSON event; comment frames keep idle connections alive.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Manager.Get(r.Context(), runID); err != nil {
		respondError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the status snapshot so a run finishing in between
	// cannot slip past both.
	sub := s.deps.Bus.Subscribe(r.Context(), eventbus.RunTopic(runID), 0)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A settled run emits nothing further; send its status and a final done
	// frame instead of leaving the client hanging.
	run, err := s.deps.Manager.Get(r.Context(), runID)
	if err == nil && (run.Status.Terminal() || run.Status == runs.StatusApplied) {
		s.writeSSE(w, flusher, eventbus.Event{
			Type:    eventbus.EventStatusChange,
			Time:    time.Now(),
			Payload: map[string]any{"runId": run.ID, "status": string(run.Status)},
		})
		s.writeSSE(w, flusher, eventbus.Event{
			Type:    eventbus.EventDone,
			Time:    time.Now(),
			Payload: map[string]any{"runId": run.ID, "status": string(run.Status)},
		})
		return
	}

	heartbeat := s.deps.Config.Timeouts.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// Comment frame; ignored by EventSource parsers.
			_, _ = fmt.Fprint(w, ":\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			s.writeSSE(w, flusher, ev)
			if ev.Type == eventbus.EventDone {
				return
			}
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
