package api

import (
	"fmt"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/engine"
)

// openStream commits the SSE response headers. Everything after this point
// is frames; admission errors must be returned before calling it.
func (s *Server) openStream(c *echo.Context) engine.SendFunc {
	resp := c.Response()
	header := resp.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	s.metrics.SSEOpened()
	rc := http.NewResponseController(resp)
	return func(id int64, event string, data []byte) error {
		// Persisted frames carry an id line so EventSource reconnects can
		// resume via Last-Event-ID; transient deltas (id 0) do not.
		if id > 0 {
			if _, err := fmt.Fprintf(resp, "id: %d\n", id); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		return rc.Flush()
	}
}

// lastEventID parses the Last-Event-ID reconnect header, 0 when absent or
// unparseable.
func lastEventID(c *echo.Context) int64 {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
