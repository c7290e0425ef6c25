package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/metrics"
)

func TestOpenStreamWritesIDLines(t *testing.T) {
	s := &Server{metrics: metrics.New()}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/threads/t1/runs/r1/stream", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	send := s.openStream(c)
	require.NoError(t, send(7, "metadata", []byte(`{"run_id":"r1"}`)))
	require.NoError(t, send(0, "messages", []byte(`[{"content":"He"},{"run_id":"r1"}]`)))
	require.NoError(t, send(8, "end", []byte(`{"run_id":"r1","status":"success"}`)))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	// Persisted frames carry an id line, so a dropped EventSource
	// reconnects with Last-Event-ID and resumes mid-run. Transient
	// deltas carry none.
	body := rec.Body.String()
	assert.Contains(t, body, "id: 7\nevent: metadata\ndata: {\"run_id\":\"r1\"}\n\n")
	assert.Contains(t, body, "id: 8\nevent: end\n")
	assert.Contains(t, body, "event: messages\ndata: [{\"content\":\"He\"},{\"run_id\":\"r1\"}]\n\n")
	assert.NotContains(t, body, "id: 0")
}

func TestLastEventID(t *testing.T) {
	e := echo.New()
	mk := func(value string) *echo.Context {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if value != "" {
			req.Header.Set("Last-Event-ID", value)
		}
		return e.NewContext(req, httptest.NewRecorder())
	}

	assert.EqualValues(t, 0, lastEventID(mk("")))
	assert.EqualValues(t, 42, lastEventID(mk("42")))
	assert.EqualValues(t, 0, lastEventID(mk("not-a-number")))
}
