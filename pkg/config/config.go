package config

// Config is the umbrella configuration object that encapsulates
// all registries, defaults, and configuration state.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Infrastructure settings
	Server    *ServerConfig
	Auth      *AuthConfig
	Engine    *EngineConfig
	Retention *RetentionConfig
	Catalog   *CatalogConfig
	Webhook   *WebhookConfig
	MCP       *MCPSettings

	// DefaultGraphID backs assistant creation requests that omit graph_id.
	DefaultGraphID string

	// Assistants declared in strand.yaml, synced into storage at startup.
	DeclaredAssistants []DeclaredAssistant

	// Component registries
	MCPServerRegistry   *MCPServerRegistry
	LLMProviderRegistry *LLMProviderRegistry
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	MCPServers         int
	LLMProviders       int
	DeclaredAssistants int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{DeclaredAssistants: len(c.DeclaredAssistants)}
	if c.MCPServerRegistry != nil {
		s.MCPServers = c.MCPServerRegistry.Len()
	}
	if c.LLMProviderRegistry != nil {
		s.LLMProviders = c.LLMProviderRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetMCPServer retrieves an MCP server configuration by ID.
// This is a convenience method that wraps MCPServerRegistry.Get().
func (c *Config) GetMCPServer(serverID string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(serverID)
}

// GetLLMProvider retrieves an LLM provider configuration by name.
// This is a convenience method that wraps LLMProviderRegistry.Get().
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}

// ResolveModelRef resolves a "provider" or "provider:model" reference.
// This is a convenience method that wraps LLMProviderRegistry.ResolveModelRef().
func (c *Config) ResolveModelRef(ref string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.ResolveModelRef(ref)
}
