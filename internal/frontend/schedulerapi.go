package frontend

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/undoable-org/undoable/internal/scheduler"
)

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.deps.Scheduler.List()
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.JobSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	job, err := s.deps.Scheduler.Add(r.Context(), spec)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	var update scheduler.JobUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	job, err := s.deps.Scheduler.Update(r.Context(), chi.URLParam(r, "jobID"), update)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Remove(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunJobNow(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.RunNow(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
