package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMCPConfig(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]interface{}
		wantNil bool
		wantErr string
		check   func(t *testing.T, cfg *MCPConfig)
	}{
		{
			name:    "nil input returns nil",
			raw:     nil,
			wantNil: true,
		},
		{
			name:    "empty map returns nil",
			raw:     map[string]interface{}{},
			wantNil: true,
		},
		{
			name: "valid single server",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{"name": "docs", "url": "https://mcp.example.com/mcp"},
				},
			},
			check: func(t *testing.T, cfg *MCPConfig) {
				require.Len(t, cfg.Servers, 1)
				assert.Equal(t, "docs", cfg.Servers[0].Name)
				assert.Equal(t, "https://mcp.example.com/mcp", cfg.Servers[0].URL)
				assert.False(t, cfg.Servers[0].AuthRequired)
				assert.Empty(t, cfg.Servers[0].Tools)
			},
		},
		{
			name: "server with tool allowlist and auth",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{
						"name":          "jira",
						"url":           "https://jira.example.com",
						"auth_required": true,
						"tools":         []interface{}{"create_issue", "search"},
					},
				},
			},
			check: func(t *testing.T, cfg *MCPConfig) {
				require.Len(t, cfg.Servers, 1)
				assert.True(t, cfg.Servers[0].AuthRequired)
				assert.Equal(t, []string{"create_issue", "search"}, cfg.Servers[0].Tools)
			},
		},
		{
			name: "multiple servers",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{"name": "a", "url": "https://a.example.com"},
					map[string]interface{}{"name": "b", "url": "https://b.example.com"},
				},
			},
			check: func(t *testing.T, cfg *MCPConfig) {
				require.Len(t, cfg.Servers, 2)
			},
		},
		{
			name: "registry reference without url",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{"name": "shared-docs", "tools": []interface{}{"search"}},
				},
			},
			check: func(t *testing.T, cfg *MCPConfig) {
				require.Len(t, cfg.Servers, 1)
				assert.Empty(t, cfg.Servers[0].URL)
				assert.Equal(t, []string{"search"}, cfg.Servers[0].Tools)
			},
		},
		{
			name: "inline server with headers and masking",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{
						"name":         "billing",
						"url":          "https://billing.example.com",
						"transport":    "sse",
						"headers":      map[string]interface{}{"X-Team": "platform"},
						"data_masking": map[string]interface{}{"enabled": true, "pattern_groups": []interface{}{"basic"}},
					},
				},
			},
			check: func(t *testing.T, cfg *MCPConfig) {
				require.Len(t, cfg.Servers, 1)
				assert.Equal(t, "sse", cfg.Servers[0].Transport)
				assert.Equal(t, "platform", cfg.Servers[0].Headers["X-Team"])
				assert.NotEmpty(t, cfg.Servers[0].DataMasking)
			},
		},
		{
			name: "server missing name",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{"url": "https://a.example.com"},
				},
			},
			wantErr: "missing name",
		},
		{
			name: "unsupported transport",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{"name": "a", "url": "https://a.example.com", "transport": "grpc"},
				},
			},
			wantErr: "unsupported transport",
		},
		{
			name: "registry reference with transport options",
			raw: map[string]interface{}{
				"servers": []interface{}{
					map[string]interface{}{"name": "a", "auth_required": true},
				},
			},
			wantErr: "sets transport options",
		},
		{
			name: "malformed servers entry",
			raw: map[string]interface{}{
				"servers": "not-a-list",
			},
			wantErr: "invalid mcp_config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseMCPConfig(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
