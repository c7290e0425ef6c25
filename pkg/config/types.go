package config

import "time"

// Shared types used across configuration structs

// TransportConfig defines MCP server transport configuration
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // environment overrides for stdio subprocess

	// For http/sse transport
	URL          string            `yaml:"url,omitempty"`
	BearerToken  string            `yaml:"bearer_token,omitempty"`
	AuthRequired bool              `yaml:"auth_required,omitempty"` // exchange the caller's bearer for a server token
	Headers      map[string]string `yaml:"headers,omitempty"`       // extra headers on every request
	VerifySSL    *bool             `yaml:"verify_ssl,omitempty"`
	Timeout      int               `yaml:"timeout,omitempty"` // in seconds
}

// TransportType identifies the MCP transport protocol.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// Valid reports whether t is a recognized transport type.
func (t TransportType) Valid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	}
	return false
}

// MaskingConfig defines data masking configuration for MCP tool output.
// Carries JSON tags as well: assistants may declare it inline on their
// mcp_config servers.
type MaskingConfig struct {
	Enabled        bool             `yaml:"enabled" json:"enabled"`
	PatternGroups  []string         `yaml:"pattern_groups,omitempty" json:"pattern_groups,omitempty"`
	Patterns       []string         `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	CustomPatterns []MaskingPattern `yaml:"custom_patterns,omitempty" json:"custom_patterns,omitempty"`
}

// MaskingPattern defines a regex-based masking pattern
type MaskingPattern struct {
	Pattern     string `yaml:"pattern" json:"pattern"`
	Replacement string `yaml:"replacement" json:"replacement"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// AuthMode selects how request identity is verified.
type AuthMode string

const (
	// AuthDisabled passes every request through as "anonymous". Dev mode.
	AuthDisabled AuthMode = "disabled"
	// AuthJWKS verifies bearer JWTs against a remote JWKS endpoint.
	AuthJWKS AuthMode = "jwks"
	// AuthSecret verifies bearer JWTs against a shared HMAC secret.
	AuthSecret AuthMode = "secret"
)

// AuthConfig defines identity verification settings.
type AuthConfig struct {
	Mode      AuthMode `yaml:"mode"`
	JWKSURL   string   `yaml:"jwks_url,omitempty"`
	Issuer    string   `yaml:"issuer,omitempty"`
	Audience  string   `yaml:"audience,omitempty"`
	SecretEnv string   `yaml:"secret_env,omitempty"` // env var holding the HMAC secret

	// IdentityClaim is the JWT claim used as owner identity. Defaults to "sub".
	IdentityClaim string `yaml:"identity_claim,omitempty"`

	// JWKSRefreshInterval bounds how often the key set is re-fetched.
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseURL        string   `yaml:"base_url,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// EventTTL is the maximum age of persisted event rows before deletion.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CheckpointRetentionDays is how many days checkpoints outlive their
	// last write before the cleanup loop removes them.
	CheckpointRetentionDays int `yaml:"checkpoint_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:                1 * time.Hour,
		CheckpointRetentionDays: 90,
		CleanupInterval:         12 * time.Hour,
	}
}

// CatalogConfig defines the external assistant catalog sync settings.
type CatalogConfig struct {
	// URL of the catalog endpoint. Empty disables remote sync; declared
	// assistants from strand.yaml still sync.
	URL string `yaml:"url,omitempty"`

	// TokenEnv names the env var holding the catalog bearer token.
	TokenEnv string `yaml:"token_env,omitempty"`

	// AllowedDomains restricts which hosts the catalog may reference.
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`

	// CacheTTL bounds how long a fetched catalog is reused.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`

	// LazySync enables per-request sync attempts on assistant cache misses.
	// Dev-mode convenience; production syncs at startup only.
	LazySync bool `yaml:"lazy_sync,omitempty"`
}

// WebhookConfig defines run-completion webhook delivery settings.
type WebhookConfig struct {
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

// MCPSettings defines system-wide MCP behavior shared by all servers.
type MCPSettings struct {
	// OAuthCacheTTL is how long exchanged server tokens are cached in the
	// store before a fresh exchange.
	OAuthCacheTTL time.Duration `yaml:"oauth_cache_ttl,omitempty"`

	// TokenExchangePath is appended to a server's base URL to reach its
	// token-exchange endpoint.
	TokenExchangePath string `yaml:"token_exchange_path,omitempty"`

	// ConnectTimeout bounds session establishment per server.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// RetryBackoffMin/Max bound the jittered backoff before a tool call
	// retry on a fresh session.
	RetryBackoffMin time.Duration `yaml:"retry_backoff_min,omitempty"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max,omitempty"`
}

// DefaultMCPSettings returns the built-in MCP defaults.
func DefaultMCPSettings() *MCPSettings {
	return &MCPSettings{
		OAuthCacheTTL:     5 * time.Minute,
		TokenExchangePath: "/oauth/token",
		ConnectTimeout:    30 * time.Second,
		RetryBackoffMin:   500 * time.Millisecond,
		RetryBackoffMax:   2 * time.Second,
	}
}

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }
