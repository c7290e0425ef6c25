package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/models"
)

// createThreadHandler handles POST /threads.
func (s *Server) createThreadHandler(c *echo.Context) error {
	var req models.CreateThreadRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	thread, err := s.threadService.Create(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, thread)
}

// searchThreadsHandler handles POST /threads/search.
func (s *Server) searchThreadsHandler(c *echo.Context) error {
	var req models.SearchThreadsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	threads, err := s.threadService.Search(c.Request().Context(), owner, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, threads)
}

// countThreadsHandler handles POST /threads/count.
func (s *Server) countThreadsHandler(c *echo.Context) error {
	var req models.SearchThreadsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	n, err := s.threadService.Count(c.Request().Context(), owner, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, n)
}

// getThreadHandler handles GET /threads/:id.
func (s *Server) getThreadHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	thread, err := s.threadService.Get(c.Request().Context(), owner, threadID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, thread)
}

// patchThreadHandler handles PATCH /threads/:id.
func (s *Server) patchThreadHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	var req models.PatchThreadRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	thread, err := s.threadService.Patch(c.Request().Context(), owner, threadID, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, thread)
}

// deleteThreadHandler handles DELETE /threads/:id. Deleting a thread with
// an active run conflicts.
func (s *Server) deleteThreadHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	if err := s.threadService.Delete(c.Request().Context(), owner, threadID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// threadStateHandler handles GET /threads/:id/state. The read is not
// owner-filtered; state is addressed by thread ID plus the optional
// checkpoint_ns and checkpoint_id query parameters.
func (s *Server) threadStateHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}
	checkpointNS := c.QueryParam("checkpoint_ns")
	checkpointID := c.QueryParam("checkpoint_id")

	var (
		state *models.ThreadState
		err   error
	)
	if checkpointID != "" {
		state, err = s.threadService.StateAt(c.Request().Context(), threadID, checkpointNS, checkpointID)
	} else {
		state, err = s.threadService.State(c.Request().Context(), threadID, checkpointNS)
	}
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// historyRequest carries the POST /threads/:id/history body. A nil limit
// means the default; an explicit zero is a validation error.
type historyRequest struct {
	Limit        *int   `json:"limit,omitempty"`
	Before       string `json:"before,omitempty"`
	CheckpointNS string `json:"checkpoint_ns,omitempty"`
}

const defaultHistoryLimit = 10

// threadHistoryHandler handles GET and POST /threads/:id/history. Both
// return snapshots newest first; POST carries the options in the body.
func (s *Server) threadHistoryHandler(c *echo.Context) error {
	threadID := c.Param("id")
	if threadID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "thread id is required")
	}

	limit := defaultHistoryLimit
	before := ""
	checkpointNS := ""
	if c.Request().Method == http.MethodPost {
		var req historyRequest
		if err := decodeBody(c, &req, true); err != nil {
			return err
		}
		if req.Limit != nil {
			limit = *req.Limit
		}
		before = req.Before
		checkpointNS = req.CheckpointNS
	} else {
		if v := c.QueryParam("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnprocessableEntity, "limit must be an integer")
			}
			limit = n
		}
		before = c.QueryParam("before")
		checkpointNS = c.QueryParam("checkpoint_ns")
	}

	states, err := s.threadService.History(c.Request().Context(), threadID, checkpointNS, limit, before)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, states)
}
