package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/mcp"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
	"github.com/strandlabs/strand/pkg/version"
)

// assistantToolSchema is the argument shape of every assistant tool: a
// single "input" object passed through as the run input.
var assistantToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"input": {
			"type": "object",
			"description": "Run input, e.g. {\"messages\": [{\"role\": \"user\", \"content\": \"...\"}]}"
		}
	},
	"required": ["input"]
}`)

// newMCPHandler builds the POST /mcp endpoint: a stateless MCP server
// whose tool list is the caller's assistants, rebuilt per request so
// owner scoping holds.
func (s *Server) newMCPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(r *http.Request) *mcpsdk.Server { return s.assistantToolServer(r) },
		&mcpsdk.StreamableHTTPOptions{Stateless: true, JSONResponse: true},
	)
}

// assistantToolServer exposes each assistant visible to the caller as a
// callable tool. Duplicate names get -2, -3 suffixes, never dropped.
func (s *Server) assistantToolServer(r *http.Request) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	if s.assistantService == nil {
		return server
	}
	owner := auth.OwnerFromContext(r.Context())
	assistants, err := s.assistantService.Search(r.Context(), owner,
		models.SearchAssistantsRequest{Limit: storage.MaxSearchLimit})
	if err != nil {
		s.logger.Warn("Assistant listing for MCP failed", "owner", owner, "error", err)
		return server
	}

	taken := map[string]bool{}
	for _, assistant := range assistants {
		base := assistant.Name
		if base == "" {
			base = assistant.GraphID
		}
		base = mcp.SanitizeToolName(base)
		name := base
		for i := 2; taken[name]; i++ {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		taken[name] = true

		description := assistant.Description
		if description == "" {
			description = fmt.Sprintf("Invoke the %q assistant and return its final output.", assistant.Name)
		}
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: description,
			InputSchema: assistantToolSchema,
		}, s.assistantToolHandler(assistant.AssistantID))
	}
	return server
}

// assistantToolHandler runs one assistant statelessly and returns the
// final output values as JSON text. Run failures are tool errors, not
// protocol errors.
func (s *Server) assistantToolHandler(assistantID string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args struct {
			Input map[string]any `json:"input"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return toolError("arguments are not valid JSON"), nil
			}
		}
		owner := auth.OwnerFromContext(ctx)

		x, err := s.engine.PrepareStateless(ctx, owner, &models.CreateRunRequest{
			AssistantID: assistantID,
			Input:       args.Input,
		})
		if err != nil {
			return toolError(err.Error()), nil
		}
		state, execErr := x.Wait(ctx)
		if execErr != nil {
			return toolError(execErr.Error()), nil
		}

		values := map[string]any{}
		if state != nil && state.Values != nil {
			values = state.Values
		}
		out, err := json.Marshal(values)
		if err != nil {
			return toolError("failed to encode run output"), nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(out)}},
		}, nil
	}
}

func toolError(message string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: message}},
	}
}

// mcpHandler handles POST /mcp.
func (s *Server) mcpHandler(c *echo.Context) error {
	s.mcpHTTPHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}

// mcpMethodNotAllowedHandler handles GET /mcp. The endpoint is stateless;
// there is no SSE listening channel to open.
func (s *Server) mcpMethodNotAllowedHandler(c *echo.Context) error {
	return echo.NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed")
}
