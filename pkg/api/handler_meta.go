package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health within the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// rootHandler handles GET /.
func (s *Server) rootHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service": version.AppName,
		"version": version.GitCommit,
	})
}

// okHandler handles GET /ok, the liveness probe.
func (s *Server) okHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// healthHandler handles GET /health.
// Only the server's own components are checked. External dependencies
// (MCP servers, LLM providers) are excluded so an orchestrator never
// restarts this process because a remote service is down.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.storage != nil {
		if err := s.storage.Ping(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["storage"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["storage"] = HealthCheck{Status: healthStatusHealthy}
		}
	}
	checks["engine"] = HealthCheck{Status: healthStatusHealthy}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// InfoResponse is the GET /info body.
type InfoResponse struct {
	Service  string   `json:"service"`
	Version  string   `json:"version"`
	Graphs   []string `json:"graphs"`
	AuthMode string   `json:"auth_mode"`
}

// infoHandler handles GET /info. It advertises the registered graph IDs
// so clients can discover what graph_id values assistants may use.
func (s *Server) infoHandler(c *echo.Context) error {
	graphs := []string{}
	if s.graphs != nil {
		graphs = s.graphs.IDs()
	}
	authMode := string(config.AuthDisabled)
	if s.cfg != nil && s.cfg.Auth != nil && s.cfg.Auth.Mode != "" {
		authMode = string(s.cfg.Auth.Mode)
	}
	return c.JSON(http.StatusOK, &InfoResponse{
		Service:  version.AppName,
		Version:  version.GitCommit,
		Graphs:   graphs,
		AuthMode: authMode,
	})
}

// metricsHandler handles GET /metrics in the Prometheus text format.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.promHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}

// metricsJSONHandler handles GET /metrics/json, the dashboard-friendly
// rendering of the same registry.
func (s *Server) metricsJSONHandler(c *echo.Context) error {
	snapshot, err := s.metrics.Snapshot()
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snapshot)
}
