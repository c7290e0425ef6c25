package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/metrics"
)

func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRequestMetricsRecordsCommittedStatus(t *testing.T) {
	s := &Server{logger: slog.Default(), metrics: metrics.New()}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := s.requestMetrics()(func(c *echo.Context) error {
		return c.JSON(http.StatusCreated, map[string]string{"ok": "true"})
	})
	require.NoError(t, handler(c))

	// The status the handler wrote, not a default, lands on the counter.
	assert.Contains(t, scrapeMetrics(t, s.metrics),
		`strand_http_requests_total{method="GET",path="/health",status="201"} 1`)
}

func TestRequestMetricsUsesErrorStatus(t *testing.T) {
	s := &Server{logger: slog.Default(), metrics: metrics.New()}
	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/assistants", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := s.requestMetrics()(func(c *echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})
	require.Error(t, handler(c))

	assert.Contains(t, scrapeMetrics(t, s.metrics),
		`strand_http_requests_total{method="DELETE",path="/assistants",status="404"} 1`)
}

func TestRouteLabelFoldsUUIDs(t *testing.T) {
	assert.Equal(t, "/threads/:id/runs/:id",
		routeLabel("/threads/0d4ee01e-78fe-4df3-93f8-7aee1f5d6d94/runs/9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"))
	assert.Equal(t, "/health", routeLabel("/health"))
}
