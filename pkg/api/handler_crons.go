package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/models"
)

// createCronHandler handles POST /runs/crons. The scheduler re-arms via
// the cron service's change notification.
func (s *Server) createCronHandler(c *echo.Context) error {
	var req models.CreateCronRequest
	if err := decodeBody(c, &req, false); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	cron, err := s.cronService.Create(c.Request().Context(), owner, &req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, cron)
}

// searchCronsHandler handles POST /runs/crons/search.
func (s *Server) searchCronsHandler(c *echo.Context) error {
	var req models.SearchCronsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	crons, err := s.cronService.Search(c.Request().Context(), owner, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, crons)
}

// countCronsHandler handles POST /runs/crons/count.
func (s *Server) countCronsHandler(c *echo.Context) error {
	var req models.SearchCronsRequest
	if err := decodeBody(c, &req, true); err != nil {
		return err
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	n, err := s.cronService.Count(c.Request().Context(), owner, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, n)
}

// getCronHandler handles GET /runs/crons/:cron_id.
func (s *Server) getCronHandler(c *echo.Context) error {
	cronID := c.Param("cron_id")
	if cronID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "cron id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	cron, err := s.cronService.Get(c.Request().Context(), owner, cronID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, cron)
}

// deleteCronHandler handles DELETE /runs/crons/:cron_id. The armed timer
// clears on the scheduler's next rearm.
func (s *Server) deleteCronHandler(c *echo.Context) error {
	cronID := c.Param("cron_id")
	if cronID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "cron id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())

	if err := s.cronService.Delete(c.Request().Context(), owner, cronID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}
