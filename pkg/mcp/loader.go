package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/masking"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// Loader turns an assistant's mcp_config into a connected Toolset at
// agent-build time. One Loader serves the whole process; each LoadToolset
// call produces an independent client whose sessions die with the run.
type Loader struct {
	registry  *config.MCPServerRegistry
	settings  *config.MCPSettings
	masker    *masking.Service
	exchanger *TokenExchanger
	logger    *slog.Logger
}

// NewLoader creates a loader. masker may be nil (masking disabled).
func NewLoader(registry *config.MCPServerRegistry, settings *config.MCPSettings, masker *masking.Service, items storage.StoreRepository) *Loader {
	if settings == nil {
		settings = config.DefaultMCPSettings()
	}
	return &Loader{
		registry:  registry,
		settings:  settings,
		masker:    masker,
		exchanger: NewTokenExchanger(items, settings),
		logger:    slog.Default(),
	}
}

// serverSpec is a resolved server entry ready to connect.
type serverSpec struct {
	transport      config.TransportConfig
	needsExchange  bool
	maskCfg        *config.MaskingConfig // inline masking, nil otherwise
	registryBacked bool                  // masking resolves through the registry
}

// LoadToolset connects to every server in cfg and assembles their tools
// under provider-safe, collision-free names. Servers that fail to resolve,
// connect, or list are logged and skipped; the agent runs with the tools
// that loaded. A nil or empty cfg yields an empty toolset.
//
// The caller's identity and bearer token ride on ctx (set by the auth
// middleware); the token feeds the exchange for servers with auth_required.
func (l *Loader) LoadToolset(ctx context.Context, cfg *models.MCPConfig) (*Toolset, error) {
	ts := newToolset(NewClient(l.settings), l.masker)
	if cfg == nil || len(cfg.Servers) == 0 {
		return ts, nil
	}

	owner := auth.OwnerFromContext(ctx)
	callerToken := auth.BearerTokenFromContext(ctx)

	taken := make(map[string]bool)
	for _, srv := range cfg.Servers {
		spec, err := l.resolveServer(srv)
		if err != nil {
			l.logger.Warn("Skipping MCP server", "server", srv.Name, "error", err)
			ts.recordFailure(srv.Name, err)
			continue
		}

		factory := l.transportFactory(srv.Name, spec, owner, callerToken)
		if err := ts.client.Connect(ctx, srv.Name, factory); err != nil {
			l.logger.Warn("MCP server failed to connect, continuing without its tools",
				"server", srv.Name, "error", err)
			continue
		}

		tools, err := ts.client.ListTools(ctx, srv.Name)
		if err != nil {
			l.logger.Warn("MCP server failed to list tools, continuing without them",
				"server", srv.Name, "error", err)
			ts.recordFailure(srv.Name, err)
			continue
		}

		for _, tool := range tools {
			if len(srv.Tools) > 0 && !slices.Contains(srv.Tools, tool.Name) {
				continue
			}
			exposed := disambiguate(SanitizeToolName(tool.Name), taken)
			taken[exposed] = true
			ts.addRoute(exposed, &toolRoute{
				server:         srv.Name,
				tool:           tool.Name,
				maskCfg:        spec.maskCfg,
				registryBacked: spec.registryBacked,
				definition: llm.ToolDefinition{
					Name:             exposed,
					Description:      tool.Description,
					ParametersSchema: marshalSchema(tool.InputSchema),
				},
			})
		}
	}

	l.logger.Info("MCP toolset loaded",
		"servers", len(cfg.Servers),
		"failed", len(ts.client.FailedServers())+len(ts.failed),
		"tools", ts.Len())
	return ts, nil
}

// resolveServer maps an mcp_config entry onto a concrete transport. Entries
// without a URL reference the shared registry by name.
func (l *Loader) resolveServer(srv models.MCPServerConfig) (*serverSpec, error) {
	if srv.URL == "" {
		if l.registry == nil {
			return nil, fmt.Errorf("server %q has no url and no registry is configured", srv.Name)
		}
		regCfg, err := l.registry.Get(srv.Name)
		if err != nil {
			return nil, fmt.Errorf("server %q not found in registry: %w", srv.Name, err)
		}
		return &serverSpec{
			transport:      regCfg.Transport,
			needsExchange:  regCfg.Transport.AuthRequired,
			registryBacked: true,
		}, nil
	}

	normalized, err := NormalizeServerURL(srv.URL)
	if err != nil {
		return nil, err
	}

	transportType := config.TransportHTTP
	if srv.Transport == "sse" {
		transportType = config.TransportSSE
	}

	spec := &serverSpec{
		transport: config.TransportConfig{
			Type:    transportType,
			URL:     normalized,
			Headers: srv.Headers,
		},
		needsExchange: srv.AuthRequired,
	}

	if len(srv.DataMasking) > 0 {
		var maskCfg config.MaskingConfig
		if err := json.Unmarshal(srv.DataMasking, &maskCfg); err != nil {
			return nil, fmt.Errorf("server %q has invalid data_masking: %w", srv.Name, err)
		}
		spec.maskCfg = &maskCfg
	}

	return spec, nil
}

// transportFactory builds the connect-time closure for a server. The token
// exchange runs inside it so session recreation refreshes expired tokens.
func (l *Loader) transportFactory(serverName string, spec *serverSpec, owner, callerToken string) TransportFactory {
	return func(ctx context.Context) (mcpsdk.Transport, error) {
		tc := spec.transport
		if spec.needsExchange {
			token, err := l.exchanger.Exchange(ctx, owner, serverName, tc.URL, callerToken)
			if err != nil {
				return nil, err
			}
			tc.BearerToken = token
		}
		return buildTransport(tc)
	}
}

// NormalizeServerURL canonicalizes an MCP server URL: trailing slashes are
// trimmed and the /mcp suffix is appended when omitted.
func NormalizeServerURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url %q must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(u.Path, "/mcp") {
		u.Path += "/mcp"
	}
	return u.String(), nil
}
