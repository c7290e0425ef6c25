package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
)

// a2aRequestHandler handles POST /a2a/:assistant_id. JSON-RPC decoding and
// method dispatch live in pkg/a2a; this just binds the owner and target.
func (s *Server) a2aRequestHandler(c *echo.Context) error {
	assistantID := c.Param("assistant_id")
	if assistantID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "assistant id is required")
	}
	owner := auth.OwnerFromContext(c.Request().Context())
	return s.a2aHandler.Handle(c, owner, assistantID)
}
