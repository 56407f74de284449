package frontend

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/swarm"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Workflows.List()
	if list == nil {
		list = []*swarm.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf swarm.Workflow
	if err := decodeJSON(r, &wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if _, err := s.deps.Workflows.Get(wf.ID); err == nil {
		writeError(w, http.StatusConflict, "workflow already exists: "+wf.ID)
		return
	} else if !errors.Is(err, swarm.ErrWorkflowNotFound) {
		respondError(w, r, err)
		return
	}
	if err := s.deps.Workflows.Save(&wf); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.deps.Workflows.SyncSchedules(r.Context(), &wf, s.deps.Scheduler); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(chi.URLParam(r, "workflowID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type workflowPatch struct {
	Name            *string      `json:"name,omitempty"`
	MaxParallel     *int         `json:"maxParallel,omitempty"`
	FailFast        *bool        `json:"failFast,omitempty"`
	AllowConcurrent *bool        `json:"allowConcurrent,omitempty"`
	Nodes           []swarm.Node `json:"nodes,omitempty"`
}

func (s *Server) handlePatchWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Get(chi.URLParam(r, "workflowID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	var patch workflowPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if patch.Name != nil {
		wf.Name = *patch.Name
	}
	if patch.MaxParallel != nil {
		wf.MaxParallel = *patch.MaxParallel
	}
	if patch.FailFast != nil {
		wf.FailFast = *patch.FailFast
	}
	if patch.AllowConcurrent != nil {
		wf.AllowConcurrent = *patch.AllowConcurrent
	}
	if patch.Nodes != nil {
		// Carry registered job ids over to re-sent nodes and drop the jobs
		// of nodes the patch removed.
		prior := make(map[string]string, len(wf.Nodes))
		for _, n := range wf.Nodes {
			prior[n.ID] = n.JobID
		}
		for i := range patch.Nodes {
			if patch.Nodes[i].JobID == "" {
				patch.Nodes[i].JobID = prior[patch.Nodes[i].ID]
			}
			delete(prior, patch.Nodes[i].ID)
		}
		for _, jobID := range prior {
			if jobID != "" {
				_ = s.deps.Scheduler.Remove(r.Context(), jobID)
			}
		}
		wf.Nodes = patch.Nodes
	}
	if err := s.deps.Workflows.Save(wf); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.deps.Workflows.SyncSchedules(r.Context(), wf, s.deps.Scheduler); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	if wf, err := s.deps.Workflows.Get(id); err == nil {
		swarm.ClearSchedules(r.Context(), wf, s.deps.Scheduler)
	}
	if err := s.deps.Workflows.Delete(id); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var options swarm.StartOptions
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &options); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	// The orchestration outlives the request; detach from its cancellation
	// but keep the request logger for the node watchers.
	ctx := logger.WithLogger(context.Background(), logger.FromContext(r.Context()))
	result, err := s.deps.Orchestrator.Start(ctx, chi.URLParam(r, "workflowID"), options)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGetOrchestration(w http.ResponseWriter, r *http.Request) {
	orch, err := s.deps.Orchestrator.Get(chi.URLParam(r, "orchID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if orch.WorkflowID != chi.URLParam(r, "workflowID") {
		respondError(w, r, swarm.ErrOrchestrationUnknown)
		return
	}
	writeJSON(w, http.StatusOK, orch)
}
