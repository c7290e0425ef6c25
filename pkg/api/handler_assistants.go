package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/models"
)

// decodeBody unmarshals a JSON request body. allowEmpty treats a missing
// body as the zero value; search and count endpoints accept that, creates
// do not.
func decodeBody(c *echo.Context, into any, allowEmpty bool) error {
	err := json.NewDecoder(c.Request().Body).Decode(into)
	if err == nil {
		return nil
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return echo.NewHTTPError(http.StatusUnprocessableEntity, "request body is not valid JSON")
}

// createAssistantHandler handles POST /assistants.
func (s *Server) createAssistantHandler(c *echo.Context) error {
	var req models.CreateAssistantRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	assistant, err := s.assistantService.Create(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, assistant)
}

// searchAssistantsHandler handles POST /assistants/search.
func (s *Server) searchAssistantsHandler(c *echo.Context) error {
	var req models.SearchAssistantsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	assistants, err := s.assistantService.Search(c.Request().Context(), owner, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, assistants)
}

// countAssistantsHandler handles POST /assistants/count. The response body
// is a bare integer.
func (s *Server) countAssistantsHandler(c *echo.Context) error {
	var req models.SearchAssistantsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	n, err := s.assistantService.Count(c.Request().Context(), owner, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, n)
}

// getAssistantHandler handles GET /assistants/:id.
func (s *Server) getAssistantHandler(c *echo.Context) error {
	assistantID := c.Param("id")
	if assistantID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "assistant id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	assistant, err := s.assistantService.Get(c.Request().Context(), owner, assistantID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, assistant)
}

// patchAssistantHandler handles PATCH /assistants/:id. Any change bumps
// the version.
func (s *Server) patchAssistantHandler(c *echo.Context) error {
	assistantID := c.Param("id")
	if assistantID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "assistant id is required")
	}
	var req models.PatchAssistantRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	assistant, err := s.assistantService.Patch(c.Request().Context(), owner, assistantID, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, assistant)
}

// deleteAssistantHandler handles DELETE /assistants/:id.
func (s *Server) deleteAssistantHandler(c *echo.Context) error {
	assistantID := c.Param("id")
	if assistantID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "assistant id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	if err := s.assistantService.Delete(c.Request().Context(), owner, assistantID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}
