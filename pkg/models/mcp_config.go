package models

import (
	"encoding/json"
	"fmt"
)

// MCPServerConfig describes one MCP server an assistant pulls tools from.
// Entries with a URL are self-contained; entries without one reference a
// server of the same name from the shared registry in strand.yaml.
type MCPServerConfig struct {
	Name         string            `json:"name"`                    // server ID, used for tool disambiguation
	URL          string            `json:"url,omitempty"`           // normalized at connect time
	Transport    string            `json:"transport,omitempty"`     // "http" (default) or "sse"
	Headers      map[string]string `json:"headers,omitempty"`       // extra headers on every request
	AuthRequired bool              `json:"auth_required,omitempty"` // triggers token exchange before connect
	Tools        []string          `json:"tools,omitempty"`         // allowlist, empty = all tools

	// DataMasking is an inline masking config for this server's tool output.
	// Kept raw here; the loader decodes it into config.MaskingConfig.
	DataMasking json.RawMessage `json:"data_masking,omitempty"`
}

// MCPConfig is the per-assistant MCP tool configuration, read from
// config.configurable["mcp_config"].
type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

// ParseMCPConfig converts the raw configurable entry into a typed config.
// Returns nil for nil or empty input so callers can treat "no MCP config"
// and "absent key" uniformly.
func ParseMCPConfig(raw map[string]any) (*MCPConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mcp_config: %w", err)
	}
	var cfg MCPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid mcp_config: %w", err)
	}
	for i, srv := range cfg.Servers {
		if srv.Name == "" {
			return nil, fmt.Errorf("mcp_config server %d missing name", i)
		}
		switch srv.Transport {
		case "", "http", "sse":
		default:
			return nil, fmt.Errorf("mcp_config server %q has unsupported transport %q", srv.Name, srv.Transport)
		}
		if srv.URL == "" && (srv.AuthRequired || len(srv.Headers) > 0 || srv.Transport != "") {
			return nil, fmt.Errorf("mcp_config server %q references the registry but sets transport options", srv.Name)
		}
	}
	return &cfg, nil
}
