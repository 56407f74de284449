package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/undoable-org/undoable/internal/actionlog"
	"github.com/undoable-org/undoable/internal/approval"
	"github.com/undoable-org/undoable/internal/build"
	"github.com/undoable-org/undoable/internal/config"
	"github.com/undoable-org/undoable/internal/eventbus"
	"github.com/undoable-org/undoable/internal/executor"
	"github.com/undoable-org/undoable/internal/logger"
	"github.com/undoable-org/undoable/internal/metrics"
	"github.com/undoable-org/undoable/internal/runs"
	"github.com/undoable-org/undoable/internal/scheduler"
	"github.com/undoable-org/undoable/internal/swarm"
	"github.com/undoable-org/undoable/internal/undo"
)

// Deps collects everything the gateway serves.
type Deps struct {
	Config       *config.Config
	Bus          *eventbus.Bus
	Manager      *runs.Manager
	Executor     *executor.Executor
	Undo         *undo.Service
	Scheduler    *scheduler.Scheduler
	ActionLog    *actionlog.Log
	Workflows    *swarm.Store
	Orchestrator *swarm.Orchestrator
	Broker       *approval.Broker
	Metrics      *metrics.Metrics
}

// Server is the daemon's HTTP gateway.
type Server struct {
	deps      Deps
	operation *operationState
	startedAt time.Time
	srv       *http.Server
}

// New builds the gateway over its dependencies.
func New(deps Deps) *Server {
	s := &Server{
		deps:      deps,
		operation: newOperationState(),
		startedAt: time.Now().UTC(),
	}
	s.srv = &http.Server{
		Addr:              deps.Config.Server.Addr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Gateway listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) routes() http.Handler {
	requestLogger := httplog.NewLogger(build.Slug, httplog.Options{
		LogLevel:       slog.LevelInfo,
		Concise:        true,
		RequestHeaders: false,
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}
	r.Use(admission(s.deps.Config.Server))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/settings", func(r chi.Router) {
		r.Get("/daemon", s.handleGetSettings)
		r.Patch("/daemon", s.handlePatchSettings)
	})
	r.Route("/control", func(r chi.Router) {
		r.Get("/operation", s.handleGetOperation)
		r.Patch("/operation", s.handlePatchOperation)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.operation.gate(s.handleCreateRun))
		r.Get("/", s.handleListRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleDeleteRun)
			r.Get("/events", s.handleRunEvents)
			r.Get("/actions", s.handleRunActionLog)
			r.Post("/{action}", s.handleRunAction)
		})
	})

	r.Route("/scheduler/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleCreateJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Patch("/", s.handlePatchJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/run", s.operation.gate(s.handleRunJobNow))
		})
	})

	r.Route("/swarm/workflows", func(r chi.Router) {
		r.Get("/", s.handleListWorkflows)
		r.Post("/", s.handleCreateWorkflow)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Patch("/", s.handlePatchWorkflow)
			r.Delete("/", s.handleDeleteWorkflow)
			r.Post("/run", s.operation.gate(s.handleRunWorkflow))
			r.Get("/orchestrations/{orchID}", s.handleGetOrchestration)
		})
	})

	return r
}

// healthChecks reports per-subsystem readiness.
func (s *Server) healthChecks() map[string]bool {
	return map[string]bool{
		"actionLog": s.deps.ActionLog != nil,
		"scheduler": s.deps.Scheduler != nil,
		"workflows": s.deps.Workflows != nil,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	checks := s.healthChecks()
	ready := true
	for _, ok := range checks {
		ready = ready && ok
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"ready":   ready,
		"version": build.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"checks":  checks,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := s.healthChecks()
	ready := true
	for _, ok := range checks {
		ready = ready && ok
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// settingsView is the GET/PATCH /settings/daemon response: the persisted
// desire, the live effective values, and whether they diverge. Secrets are
// never echoed back.
type settingsView struct {
	Desired         config.DaemonSettings `json:"desired"`
	Effective       config.DaemonSettings `json:"effective"`
	RestartRequired bool                  `json:"restartRequired"`
}

func (s *Server) settingsView(desired config.DaemonSettings) settingsView {
	live := s.deps.Config.Server
	desired.Token = ""
	return settingsView{
		Desired: desired,
		Effective: config.DaemonSettings{
			BindMode: live.BindMode,
			Host:     live.Host,
			Port:     live.Port,
			AuthMode: live.AuthMode,
		},
		RestartRequired: desired.Host != live.Host ||
			desired.Port != live.Port ||
			desired.AuthMode != live.AuthMode,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	desired, err := config.ReadSettings(s.deps.Config.Paths.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settingsView(desired))
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	desired, err := config.ReadSettings(s.deps.Config.Paths.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var patch struct {
		BindMode       *string `json:"bindMode,omitempty"`
		Host           *string `json:"host,omitempty"`
		Port           *int    `json:"port,omitempty"`
		AuthMode       *string `json:"authMode,omitempty"`
		Token          *string `json:"token,omitempty"`
		SecurityPolicy *string `json:"securityPolicy,omitempty"`
	}
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if patch.BindMode != nil {
		desired.BindMode = *patch.BindMode
	}
	if patch.Host != nil {
		desired.Host = *patch.Host
	}
	if patch.Port != nil {
		desired.Port = *patch.Port
	}
	if patch.AuthMode != nil {
		desired.AuthMode = *patch.AuthMode
	}
	if patch.Token != nil {
		desired.Token = *patch.Token
	}
	if patch.SecurityPolicy != nil {
		desired.SecurityPolicy = *patch.SecurityPolicy
	}
	if err := desired.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.WriteSettings(s.deps.Config.Paths.Settings, desired); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.settingsView(desired))
}
