// Package api is the HTTP surface of the server: REST CRUD for assistants,
// threads, runs, crons and the store, SSE run streams, the JSON-RPC
// endpoints (/mcp, /a2a) and the public meta endpoints. Handlers stay
// thin: decode, delegate to a service or the engine, map errors.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/a2a"
	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/metrics"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/storage"
)

// Deps wires the server's collaborators.
type Deps struct {
	Config     *config.Config
	Verifier   auth.Verifier
	Engine     *engine.Engine
	Graphs     *graph.Registry
	Storage    storage.Store
	Assistants *services.AssistantService
	Threads    *services.ThreadService
	Runs       *services.RunService
	Store      *services.StoreService
	Crons      *services.CronService
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      *config.Config
	verifier auth.Verifier
	engine   *engine.Engine
	graphs   *graph.Registry
	storage  storage.Store

	assistantService *services.AssistantService
	threadService    *services.ThreadService
	runService       *services.RunService
	storeService     *services.StoreService
	cronService      *services.CronService

	metrics *metrics.Metrics
	logger  *slog.Logger

	a2aHandler     *a2a.Handler
	promHandler    http.Handler
	mcpHTTPHandler http.Handler

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer builds the server and registers every route. Metrics and
// Logger may be nil; a nil Verifier means authentication is disabled.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:              deps.Config,
		verifier:         deps.Verifier,
		engine:           deps.Engine,
		graphs:           deps.Graphs,
		storage:          deps.Storage,
		assistantService: deps.Assistants,
		threadService:    deps.Threads,
		runService:       deps.Runs,
		storeService:     deps.Store,
		cronService:      deps.Crons,
		metrics:          m,
		logger:           logger,
	}
	s.a2aHandler = a2a.NewHandler(deps.Engine, logger)
	s.promHandler = m.Handler()
	s.mcpHTTPHandler = s.newMCPHandler()

	e := echo.New()
	e.HTTPErrorHandler = s.httpErrorHandler
	e.Use(
		s.recoverPanics(),
		securityHeaders(),
		s.corsHeaders(),
		s.requestMetrics(),
		s.authenticate(),
	)
	s.registerRoutes(e)
	s.echo = e
	s.httpServer = &http.Server{
		Handler: e,
		// Streams stay open indefinitely; only the header read is bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	// Public meta endpoints.
	e.GET("/", s.rootHandler)
	e.GET("/health", s.healthHandler)
	e.GET("/ok", s.okHandler)
	e.GET("/info", s.infoHandler)
	e.GET("/openapi.json", s.openapiHandler)
	e.GET("/metrics", s.metricsHandler)
	e.GET("/metrics/json", s.metricsJSONHandler)

	// Assistants.
	e.POST("/assistants", s.createAssistantHandler)
	e.POST("/assistants/search", s.searchAssistantsHandler)
	e.POST("/assistants/count", s.countAssistantsHandler)
	e.GET("/assistants/:id", s.getAssistantHandler)
	e.PATCH("/assistants/:id", s.patchAssistantHandler)
	e.DELETE("/assistants/:id", s.deleteAssistantHandler)

	// Threads, state and history.
	e.POST("/threads", s.createThreadHandler)
	e.POST("/threads/search", s.searchThreadsHandler)
	e.POST("/threads/count", s.countThreadsHandler)
	e.GET("/threads/:id", s.getThreadHandler)
	e.PATCH("/threads/:id", s.patchThreadHandler)
	e.DELETE("/threads/:id", s.deleteThreadHandler)
	e.GET("/threads/:id/state", s.threadStateHandler)
	e.GET("/threads/:id/history", s.threadHistoryHandler)
	e.POST("/threads/:id/history", s.threadHistoryHandler)

	// Runs on a thread.
	e.POST("/threads/:id/runs", s.createRunHandler)
	e.GET("/threads/:id/runs", s.listRunsHandler)
	e.POST("/threads/:id/runs/stream", s.streamRunHandler)
	e.POST("/threads/:id/runs/wait", s.waitRunHandler)
	e.GET("/threads/:id/runs/:run_id", s.getRunHandler)
	e.DELETE("/threads/:id/runs/:run_id", s.deleteRunHandler)
	e.POST("/threads/:id/runs/:run_id/cancel", s.cancelRunHandler)
	e.GET("/threads/:id/runs/:run_id/join", s.joinRunHandler)
	e.GET("/threads/:id/runs/:run_id/stream", s.reconnectRunHandler)

	// Stateless runs on ephemeral threads.
	e.POST("/runs", s.statelessRunHandler)
	e.POST("/runs/stream", s.statelessStreamHandler)
	e.POST("/runs/wait", s.statelessWaitHandler)

	// Store.
	e.PUT("/store/items", s.putStoreItemHandler)
	e.GET("/store/items", s.getStoreItemHandler)
	e.DELETE("/store/items", s.deleteStoreItemHandler)
	e.POST("/store/items/search", s.searchStoreItemsHandler)
	e.GET("/store/namespaces", s.listNamespacesHandler)

	// Crons.
	e.POST("/runs/crons", s.createCronHandler)
	e.POST("/runs/crons/search", s.searchCronsHandler)
	e.POST("/runs/crons/count", s.countCronsHandler)
	e.GET("/runs/crons/:cron_id", s.getCronHandler)
	e.DELETE("/runs/crons/:cron_id", s.deleteCronHandler)

	// Protocol endpoints.
	e.POST("/mcp", s.mcpHandler)
	e.GET("/mcp", s.mcpMethodNotAllowedHandler)
	e.POST("/a2a/:assistant_id", s.a2aRequestHandler)
}

// Start serves until Shutdown or a listener error. It blocks; callers run
// it in a goroutine and watch for http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open SSE streams end when the engine drains their runs, so the engine's
// Stop must come after this returns.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
