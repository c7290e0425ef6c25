package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/strandlabs/strand/pkg/version"
)

// openapiPaths maps each served path to its methods and a short summary.
// The document is deliberately schema-free; it exists so clients and
// gateways can discover the surface, not as a contract generator.
var openapiPaths = map[string]map[string]string{
	"/":             {"get": "Service banner"},
	"/health":       {"get": "Component health"},
	"/ok":           {"get": "Liveness probe"},
	"/info":         {"get": "Graph IDs, version and auth mode"},
	"/openapi.json": {"get": "This document"},
	"/metrics":      {"get": "Prometheus metrics"},
	"/metrics/json": {"get": "Metrics snapshot as JSON"},

	"/assistants":        {"post": "Create an assistant"},
	"/assistants/search": {"post": "Search assistants"},
	"/assistants/count":  {"post": "Count assistants"},
	"/assistants/{assistant_id}": {
		"get":    "Get an assistant",
		"patch":  "Update an assistant",
		"delete": "Delete an assistant",
	},

	"/threads":        {"post": "Create a thread"},
	"/threads/search": {"post": "Search threads"},
	"/threads/count":  {"post": "Count threads"},
	"/threads/{thread_id}": {
		"get":    "Get a thread",
		"patch":  "Update a thread",
		"delete": "Delete a thread",
	},
	"/threads/{thread_id}/state": {"get": "Latest checkpointed state"},
	"/threads/{thread_id}/history": {
		"get":  "Checkpoint history",
		"post": "Checkpoint history with body options",
	},

	"/threads/{thread_id}/runs": {
		"post": "Create a background run",
		"get":  "List runs",
	},
	"/threads/{thread_id}/runs/stream": {"post": "Create a run and stream it"},
	"/threads/{thread_id}/runs/wait":   {"post": "Create a run and wait for the output"},
	"/threads/{thread_id}/runs/{run_id}": {
		"get":    "Get a run",
		"delete": "Delete a terminal run",
	},
	"/threads/{thread_id}/runs/{run_id}/cancel": {"post": "Cancel a run"},
	"/threads/{thread_id}/runs/{run_id}/join":   {"get": "Block until the run completes"},
	"/threads/{thread_id}/runs/{run_id}/stream": {"get": "Reconnect to a run's stream"},

	"/runs":        {"post": "Create a stateless background run"},
	"/runs/stream": {"post": "Create a stateless run and stream it"},
	"/runs/wait":   {"post": "Create a stateless run and wait for the output"},

	"/store/items": {
		"put":    "Upsert a store item",
		"get":    "Get a store item",
		"delete": "Delete a store item",
	},
	"/store/items/search": {"post": "Search store items by namespace prefix"},
	"/store/namespaces":   {"get": "List namespaces"},

	"/runs/crons":           {"post": "Create a cron"},
	"/runs/crons/search":    {"post": "Search crons"},
	"/runs/crons/count":     {"post": "Count crons"},
	"/runs/crons/{cron_id}": {"get": "Get a cron", "delete": "Delete a cron"},

	"/mcp":                {"post": "MCP server endpoint (assistants as tools)"},
	"/a2a/{assistant_id}": {"post": "Agent-to-agent JSON-RPC endpoint"},
}

// openapiHandler handles GET /openapi.json.
func (s *Server) openapiHandler(c *echo.Context) error {
	paths := make(map[string]any, len(openapiPaths))
	for path, methods := range openapiPaths {
		operations := make(map[string]any, len(methods))
		for method, summary := range methods {
			operations[method] = map[string]any{"summary": summary}
		}
		paths[path] = operations
	}
	return c.JSON(http.StatusOK, map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Strand API",
			"version": version.GitCommit,
		},
		"paths": paths,
	})
}
