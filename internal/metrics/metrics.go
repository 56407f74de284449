// Package metrics exposes the daemon's Prometheus registry: process and Go
// runtime collectors plus counters for runs, scheduler dispatches and HTTP
// traffic.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/undoable-org/undoable/internal/eventbus"
)

// Metrics owns the registry and the daemon's instruments.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	JobsDispatched *prometheus.CounterVec
	UndoTotal      *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New builds a registry with the standard collectors and the daemon
// instruments registered.
func New(version string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	start := time.Now()
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "undoable_uptime_seconds",
		Help:        "Seconds since the daemon started.",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 {
		return time.Since(start).Seconds()
	}))

	m := &Metrics{
		registry: registry,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undoable_runs_total",
			Help: "Runs created, by owner.",
		}, []string{"owner"}),
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undoable_scheduler_dispatches_total",
			Help: "Scheduler job dispatches, by outcome.",
		}, []string{"status"}),
		UndoTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undoable_undo_total",
			Help: "Undo operations, by outcome.",
		}, []string{"status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undoable_http_requests_total",
			Help: "HTTP requests, by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "undoable_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	registry.MustRegister(m.RunsTotal, m.JobsDispatched, m.UndoTotal, m.HTTPRequests, m.HTTPDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts and times every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.code)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// WatchScheduler counts scheduler dispatch outcomes from the event bus. It
// blocks until the context is cancelled.
func (m *Metrics) WatchScheduler(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(ctx, eventbus.SchedulerTopic, 0)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Payload["event"] != "finished" {
				continue
			}
			status, _ := ev.Payload["status"].(string)
			if status == "" {
				status = "unknown"
			}
			m.JobsDispatched.WithLabelValues(status).Inc()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
