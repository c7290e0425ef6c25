package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/models"
)

// createRunHandler handles POST /threads/:id/runs. The run executes in the
// background; the response is the pending run record.
func (s *Server) createRunHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	var req models.CreateRunRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	x, err := s.engine.Prepare(c.Request().Context(), owner, threadID, &req)
	if err != nil {
		return mapServiceError(err)
	}
	s.engine.Launch(x)
	return c.JSON(http.StatusOK, x.Run)
}

// listRunsHandler handles GET /threads/:id/runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	limit, err := intQueryParam(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := intQueryParam(c, "offset", 0)
	if err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	runs, err := s.runService.List(c.Request().Context(), owner, threadID, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// streamRunHandler handles POST /threads/:id/runs/stream. Admission errors
// surface as plain HTTP errors; once the stream opens, failures travel as
// error frames inside it.
func (s *Server) streamRunHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	var req models.CreateRunRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	x, err := s.engine.Prepare(c.Request().Context(), owner, threadID, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return s.streamExecution(c, x)
}

// waitRunHandler handles POST /threads/:id/runs/wait: create a run, block
// until it settles, return the final output values.
func (s *Server) waitRunHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	var req models.CreateRunRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	x, err := s.engine.Prepare(c.Request().Context(), owner, threadID, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return s.waitExecution(c, x)
}

// getRunHandler handles GET /threads/:id/runs/:run_id.
func (s *Server) getRunHandler(c *echo.Context) error {
	threadID, runID := c.Param("id"), c.Param("run_id")
	if threadID == "" || runID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id and run id are required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	run, err := s.runService.Get(c.Request().Context(), owner, threadID, runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// deleteRunHandler handles DELETE /threads/:id/runs/:run_id. Only terminal
// runs can be deleted.
func (s *Server) deleteRunHandler(c *echo.Context) error {
	threadID, runID := c.Param("id"), c.Param("run_id")
	if threadID == "" || runID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id and run id are required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	if err := s.runService.Delete(c.Request().Context(), owner, threadID, runID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// cancelRunHandler handles POST /threads/:id/runs/:run_id/cancel. The
// cancel flag is polled between events; the response does not wait for
// the run to observe it.
func (s *Server) cancelRunHandler(c *echo.Context) error {
	threadID, runID := c.Param("id"), c.Param("run_id")
	if threadID == "" || runID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id and run id are required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	if err := s.engine.Cancel(c.Request().Context(), owner, threadID, runID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// joinRunHandler handles GET /threads/:id/runs/:run_id/join: block until
// the run completes, return the final thread state as JSON.
func (s *Server) joinRunHandler(c *echo.Context) error {
	threadID, runID := c.Param("id"), c.Param("run_id")
	if threadID == "" || runID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id and run id are required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	state, err := s.engine.Join(c.Request().Context(), owner, threadID, runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// reconnectRunHandler handles GET /threads/:id/runs/:run_id/stream.
// Persisted frames replay first; live frames follow until the end frame.
// Completed runs replay their cached frames and close.
func (s *Server) reconnectRunHandler(c *echo.Context) error {
	threadID, runID := c.Param("id"), c.Param("run_id")
	if threadID == "" || runID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id and run id are required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	// Resolve before headers commit so a missing run is still a 404.
	if _, err := s.runService.Get(c.Request().Context(), owner, threadID, runID); err != nil {
		return mapServiceError(err)
	}

	send := s.openStream(c)
	defer s.metrics.SSEClosed()
	err := s.engine.Attach(c.Request().Context(), owner, threadID, runID, lastEventID(c), send)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Stream reconnect ended",
			"run_id", runID, "thread_id", threadID, "error", err)
	}
	return nil
}

// statelessRunHandler handles POST /runs: a background run on an
// ephemeral thread.
func (s *Server) statelessRunHandler(c *echo.Context) error {
	var req models.CreateRunRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	x, err := s.engine.PrepareStateless(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	s.engine.Launch(x)
	return c.JSON(http.StatusOK, x.Run)
}

// statelessStreamHandler handles POST /runs/stream.
func (s *Server) statelessStreamHandler(c *echo.Context) error {
	var req models.CreateRunRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	x, err := s.engine.PrepareStateless(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return s.streamExecution(c, x)
}

// statelessWaitHandler handles POST /runs/wait.
func (s *Server) statelessWaitHandler(c *echo.Context) error {
	var req models.CreateRunRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	x, err := s.engine.PrepareStateless(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return s.waitExecution(c, x)
}

// streamExecution drives an admitted execution over SSE.
func (s *Server) streamExecution(c *echo.Context, x *engine.Execution) error {
	send := s.openStream(c)
	defer s.metrics.SSEClosed()
	if err := x.Stream(c.Request().Context(), send); err != nil {
		s.logger.Debug("Run stream ended with failure",
			"run_id", x.Run.RunID, "thread_id", x.Run.ThreadID, "error", err)
	}
	return nil
}

// waitExecution drives an admitted execution to completion and returns
// the final output values. Run failures are part of the output, not
// transport errors.
func (s *Server) waitExecution(c *echo.Context, x *engine.Execution) error {
	state, execErr := x.Wait(c.Request().Context())
	if execErr != nil {
		kind := "run_error"
		switch {
		case errors.Is(execErr, context.Canceled):
			kind = "run_interrupted"
		case errors.Is(execErr, context.DeadlineExceeded):
			kind = "run_timeout"
		}
		return c.JSON(http.StatusOK, map[string]any{
			"__error__": map[string]string{"error": kind, "message": execErr.Error()},
		})
	}
	values := map[string]any{}
	if state != nil && state.Values != nil {
		values = state.Values
	}
	return c.JSON(http.StatusOK, values)
}

// intQueryParam parses an optional integer query parameter.
func intQueryParam(c *echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusUnprocessableEntity, name+" must be an integer")
	}
	return n, nil
}
