package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/auth"
)

// publicPaths never require identity. Everything else carries a bearer
// token when verification is enabled.
var publicPaths = map[string]bool{
	"/":             true,
	"/health":       true,
	"/ok":           true,
	"/info":         true,
	"/openapi.json": true,
	"/docs":         true,
}

func isPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	return path == "/metrics" || strings.HasPrefix(path, "/metrics/")
}

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// corsHeaders reflects allowed origins. An empty allowlist admits any
// origin; dev setups run the dashboard on a different port.
func (s *Server) corsHeaders() echo.MiddlewareFunc {
	allowed := map[string]bool{}
	if s.cfg != nil && s.cfg.Server != nil {
		for _, origin := range s.cfg.Server.AllowedOrigins {
			allowed[origin] = true
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin != "" && (len(allowed) == 0 || allowed[origin]) {
				h := c.Response().Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")
				h.Set("Access-Control-Max-Age", "600")
			}
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// recoverPanics converts handler panics into 500 responses. The stack is
// logged here because the error handler only sees the resulting error.
func (s *Server) recoverPanics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Handler panicked",
						"method", c.Request().Method,
						"path", c.Request().URL.Path,
						"panic", r,
						"stack", string(debug.Stack()))
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// requestMetrics records one counter increment and one latency sample per
// request. IDs are folded out of the path so label cardinality stays
// bounded by the route table.
func (s *Server) requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := 0
			if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = resp.Status
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			if status == 0 {
				status = http.StatusOK
			}
			s.metrics.HTTPRequest(c.Request().Method, routeLabel(c.Request().URL.Path), status, time.Since(start))
			return err
		}
	}
}

// routeLabel collapses UUID path segments into ":id". Every resource ID in
// the route table is a UUID, so this recovers the route template without
// depending on router internals.
func routeLabel(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if _, err := uuid.Parse(segment); err == nil && segment != "" {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// authenticate resolves the caller identity and stores it on the request
// context. Public paths pass through; with verification disabled every
// request is anonymous. The raw bearer token rides along for the MCP
// token exchange.
func (s *Server) authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if isPublicPath(c.Request().URL.Path) {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			token := ""
			if header != "" {
				var ok bool
				if token, ok = strings.CutPrefix(header, "Bearer "); !ok || token == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header is malformed")
				}
			}

			if s.verifier == nil || !s.verifier.Enabled() {
				ctx := auth.ContextWithIdentity(c.Request().Context(), auth.Anonymous())
				if token != "" {
					ctx = auth.ContextWithBearerToken(ctx, token)
				}
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}

			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header missing")
			}
			identity, err := s.verifier.Verify(c.Request().Context(), token)
			if err != nil {
				s.logger.Debug("Token verification failed",
					"path", c.Request().URL.Path, "error", err)
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			ctx := auth.ContextWithIdentity(c.Request().Context(), identity)
			ctx = auth.ContextWithBearerToken(ctx, token)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
