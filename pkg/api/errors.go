package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrThreadBusy) {
		return echo.NewHTTPError(http.StatusConflict, "Thread has an active run")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrRunNotDone) {
		return echo.NewHTTPError(http.StatusConflict, "run has not reached a terminal state")
	}
	if errors.Is(err, engine.ErrShuttingDown) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}

	// Unexpected error; the stack locates the handler that produced it.
	slog.Error("Unexpected service error", "error", err, "stack", string(debug.Stack()))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// httpErrorHandler renders every error as the {"detail": "<string>"} body
// clients expect. Errors that are not already echo.HTTPError values go
// through mapServiceError first.
func (s *Server) httpErrorHandler(c *echo.Context, err error) {
	if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && resp.Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = mapServiceError(err)
	}
	if jerr := c.JSON(he.Code, errorBody{Detail: fmt.Sprintf("%v", he.Message)}); jerr != nil {
		s.logger.Debug("Failed to write error response", "error", jerr)
	}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Detail string `json:"detail"`
}
