package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/masking"
)

// toolRoute maps an exposed tool name back to its server and original name.
type toolRoute struct {
	server         string
	tool           string
	definition     llm.ToolDefinition
	maskCfg        *config.MaskingConfig // inline masking config, nil otherwise
	registryBacked bool                  // masking resolves through the shared registry
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Toolset is the set of tools loaded for one agent build. It routes the
// model's tool calls to the owning server session and masks the output
// before it goes anywhere else.
type Toolset struct {
	client *Client
	masker *masking.Service

	routes map[string]*toolRoute
	order  []string // exposed names in load order, for stable Definitions
	failed map[string]string

	logger *slog.Logger
}

func newToolset(client *Client, masker *masking.Service) *Toolset {
	return &Toolset{
		client: client,
		masker: masker,
		routes: make(map[string]*toolRoute),
		failed: make(map[string]string),
		logger: slog.Default(),
	}
}

func (t *Toolset) addRoute(exposed string, route *toolRoute) {
	t.routes[exposed] = route
	t.order = append(t.order, exposed)
}

func (t *Toolset) recordFailure(serverName string, err error) {
	t.failed[serverName] = err.Error()
}

// Definitions returns the loaded tool definitions in load order.
func (t *Toolset) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(t.order))
	for _, name := range t.order {
		defs = append(defs, t.routes[name].definition)
	}
	return defs
}

// Len returns the number of loaded tools.
func (t *Toolset) Len() int { return len(t.routes) }

// FailedServers returns servers that were skipped during load, with the
// reason. Connection failures and resolution failures both land here.
func (t *Toolset) FailedServers() map[string]string {
	result := t.client.FailedServers()
	for k, v := range t.failed {
		if _, ok := result[k]; !ok {
			result[k] = v
		}
	}
	return result
}

// Execute runs a tool call. Failures come back as an error-flagged result
// rather than a Go error, so the model sees what went wrong and can react
// (MCP convention).
func (t *Toolset) Execute(ctx context.Context, call llm.ToolCall) *ToolResult {
	route, ok := t.routes[call.Name]
	if !ok {
		return &ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Content: fmt.Sprintf("tool %q is not available. Available tools: %s",
				call.Name, strings.Join(t.order, ", ")),
			IsError: true,
		}
	}

	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		return &ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("failed to parse tool arguments: %s", err),
			IsError: true,
		}
	}

	result, err := t.client.CallTool(ctx, route.server, route.tool, args)
	if err != nil {
		return &ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("MCP tool execution failed: %s", err),
			IsError: true,
		}
	}

	content := t.maskContent(extractTextContent(result), route)

	return &ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
		IsError: result.IsError,
	}
}

// maskContent applies the route's masking: inline configs compile on the
// fly, registry-backed servers resolve by name, anything else passes
// through.
func (t *Toolset) maskContent(content string, route *toolRoute) string {
	if t.masker == nil {
		return content
	}
	if route.maskCfg != nil {
		return t.masker.MaskWithConfig(content, route.maskCfg, route.server)
	}
	if route.registryBacked {
		return t.masker.MaskToolResult(content, route.server)
	}
	return content
}

// Close releases all server sessions (and stdio subprocesses).
func (t *Toolset) Close() error {
	return t.client.Close()
}

// extractTextContent extracts text from an MCP CallToolResult.
// Concatenates all TextContent items. Non-text content (images, embedded
// resources) is logged at debug level and skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// marshalSchema serializes a tool's input schema to a JSON string.
func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("Failed to marshal tool input schema", "error", err)
		return ""
	}
	return string(data)
}
