package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/undoable-org/undoable/internal/eventbus"
)

func TestMiddlewareCountsRequests(t *testing.T) {
	t.Parallel()

	m := New("test")
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "418")))
}

func TestHandlerServesExposition(t *testing.T) {
	t.Parallel()

	m := New("test")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "undoable_uptime_seconds")
}

func TestWatchSchedulerCountsDispatches(t *testing.T) {
	t.Parallel()

	m := New("test")
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.WatchScheduler(ctx, bus)

	require.Eventually(t, func() bool {
		return bus.SubscriberCount(eventbus.SchedulerTopic) == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(eventbus.SchedulerTopic, eventbus.Event{
		Type:    eventbus.EventStatusChange,
		Payload: map[string]any{"event": "finished", "status": "ok"},
	})
	bus.Publish(eventbus.SchedulerTopic, eventbus.Event{
		Type:    eventbus.EventStatusChange,
		Payload: map[string]any{"event": "started"},
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.JobsDispatched.WithLabelValues("ok")) == 1.0
	}, time.Second, 5*time.Millisecond)
}
