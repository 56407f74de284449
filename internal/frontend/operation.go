package frontend

import (
	"net/http"
	"sync"
	"time"
)

// Operation modes. Anything but normal blocks requests that create new work.
const (
	ModeNormal = "normal"
	ModeDrain  = "drain"
	ModePaused = "paused"
)

// operationState is the daemon's current operation mode. In-memory only; a
// restart returns to normal.
type operationState struct {
	mu        sync.RWMutex
	mode      string
	reason    string
	updatedAt time.Time
}

func newOperationState() *operationState {
	return &operationState{mode: ModeNormal, updatedAt: time.Now().UTC()}
}

type operationView struct {
	Mode      string    `json:"mode"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *operationState) view() operationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return operationView{Mode: s.mode, Reason: s.reason, UpdatedAt: s.updatedAt}
}

func (s *operationState) set(mode, reason string) bool {
	switch mode {
	case ModeNormal, ModeDrain, ModePaused:
	default:
		return false
	}
	s.mu.Lock()
	s.mode = mode
	s.reason = reason
	s.updatedAt = time.Now().UTC()
	s.mu.Unlock()
	return true
}

func (s *operationState) normal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode == ModeNormal
}

// gate rejects work-creating requests while the operation mode is not
// normal.
func (s *operationState) gate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.normal() {
			view := s.view()
			writeJSON(w, http.StatusLocked, apiError{
				Error:    "daemon is in " + view.Mode + " mode",
				Code:     CodeOperationModeBlock,
				Recovery: `restore with PATCH /control/operation {"mode":"normal"}`,
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleGetOperation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.operation.view())
}

func (s *Server) handlePatchOperation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode   string `json:"mode"`
		Reason string `json:"reason,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !s.operation.set(body.Mode, body.Reason) {
		writeError(w, http.StatusBadRequest, "invalid mode "+body.Mode)
		return
	}
	writeJSON(w, http.StatusOK, s.operation.view())
}
