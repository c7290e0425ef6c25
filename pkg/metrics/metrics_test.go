package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/models"
)

func TestRunRecorder(t *testing.T) {
	m := New()

	m.RunStarted("agent")
	m.RunStarted("agent")
	m.RunStarted("researcher")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.runsStarted.WithLabelValues("agent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsStarted.WithLabelValues("researcher")))

	m.RunFinished("agent", models.RunStatusSuccess, 150*time.Millisecond)
	m.RunFinished("agent", models.RunStatusError, 20*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsFinished.WithLabelValues("agent", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsFinished.WithLabelValues("agent", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.runDuration))

	m.ActiveRuns(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.activeRuns))
	m.ActiveRuns(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.activeRuns))
}

func TestHTTPAndSSEHooks(t *testing.T) {
	m := New()

	m.HTTPRequest(http.MethodGet, "/threads/:thread_id", http.StatusOK, 5*time.Millisecond)
	m.HTTPRequest(http.MethodGet, "/threads/:thread_id", http.StatusNotFound, time.Millisecond)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/threads/:thread_id", "200")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/threads/:thread_id", "404")))

	m.SSEOpened()
	m.SSEOpened()
	m.SSEClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sseSubscribers))
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.ActiveRuns(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "strand_active_runs 2")
	assert.Contains(t, body, "go_goroutines")
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.RunStarted("agent")
	m.RunFinished("agent", models.RunStatusSuccess, 80*time.Millisecond)
	m.ActiveRuns(1)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	started, ok := snap["strand_runs_started_total"]
	require.True(t, ok)
	assert.Equal(t, "counter", started.Type)
	require.Len(t, started.Metrics, 1)
	assert.Equal(t, map[string]string{"graph_id": "agent"}, started.Metrics[0].Labels)
	require.NotNil(t, started.Metrics[0].Value)
	assert.Equal(t, float64(1), *started.Metrics[0].Value)

	duration, ok := snap["strand_run_duration_seconds"]
	require.True(t, ok)
	assert.Equal(t, "histogram", duration.Type)
	require.Len(t, duration.Metrics, 1)
	require.NotNil(t, duration.Metrics[0].Count)
	assert.Equal(t, uint64(1), *duration.Metrics[0].Count)
	require.NotNil(t, duration.Metrics[0].Sum)
	assert.InDelta(t, 0.08, *duration.Metrics[0].Sum, 0.001)

	active, ok := snap["strand_active_runs"]
	require.True(t, ok)
	assert.Equal(t, "gauge", active.Type)
	require.NotNil(t, active.Metrics[0].Value)
	assert.Equal(t, float64(1), *active.Metrics[0].Value)

	_, ok = snap["go_goroutines"]
	assert.True(t, ok, "runtime collectors are part of the snapshot")
}
