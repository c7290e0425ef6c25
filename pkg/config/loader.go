package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// StrandYAMLConfig represents the complete strand.yaml file structure
type StrandYAMLConfig struct {
	System     *SystemYAMLConfig          `yaml:"system"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
	Assistants []DeclaredAssistant        `yaml:"assistants"`
	Engine     *EngineConfig              `yaml:"engine"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	Server         *ServerConfig      `yaml:"server"`
	Auth           *AuthConfig        `yaml:"auth"`
	Catalog        *CatalogYAMLConfig `yaml:"catalog"`
	Webhooks       *WebhookYAMLConfig `yaml:"webhooks"`
	Retention      *RetentionConfig   `yaml:"retention"`
	MCP            *MCPSettings       `yaml:"mcp"`
	DefaultGraphID string             `yaml:"default_graph_id"`
}

// CatalogYAMLConfig holds assistant catalog settings from YAML.
type CatalogYAMLConfig struct {
	URL            string   `yaml:"url,omitempty"`
	TokenEnv       string   `yaml:"token_env,omitempty"`
	CacheTTL       string   `yaml:"cache_ttl,omitempty"` // Parsed to time.Duration
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
	LazySync       *bool    `yaml:"lazy_sync,omitempty"`
}

// WebhookYAMLConfig holds run webhook delivery settings from YAML.
type WebhookYAMLConfig struct {
	Timeout    string `yaml:"timeout,omitempty"` // Parsed to time.Duration
	MaxRetries *int   `yaml:"max_retries,omitempty"`
}

// LLMProvidersYAMLConfig represents the complete llm-providers.yaml file structure
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined configurations
//  5. Build in-memory registries
//  6. Apply default values
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders,
		"declared_assistants", stats.DeclaredAssistants)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load strand.yaml (contains system, mcp_servers, assistants, engine)
	strandConfig, err := loader.loadStrandYAML()
	if err != nil {
		return nil, NewLoadError("strand.yaml", err)
	}

	// 2. Load llm-providers.yaml. The file is optional; built-in providers
	// cover the common case.
	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError("llm-providers.yaml", err)
		}
		slog.Debug("No llm-providers.yaml found, using built-in providers only")
		llmProviders = make(map[string]LLMProviderConfig)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in)
	llmProvidersMerged := mergeLLMProviders(builtin.LLMProviders, llmProviders)
	mcpServers := pointerizeMCPServers(strandConfig.MCPServers)

	// Apply LLM provider defaults (before validation)
	for _, provider := range llmProvidersMerged {
		if provider.MaxOutputTokens == 0 {
			provider.MaxOutputTokens = DefaultMaxOutputTokens
		}
		if provider.MaxToolResultTokens == 0 {
			provider.MaxToolResultTokens = DefaultMaxToolResultTokens
		}
	}

	// 5. Build registries
	mcpServerRegistry := NewMCPServerRegistry(mcpServers)
	llmProviderRegistry := NewLLMProviderRegistry(llmProvidersMerged)

	// 6. Resolve engine config (merge user YAML with built-in defaults)
	// Start with defaults, then merge user config on top to preserve unset defaults
	engineConfig := DefaultEngineConfig()
	if strandConfig.Engine != nil {
		// Merge user-provided config into defaults (non-zero values override)
		if err := mergo.Merge(engineConfig, strandConfig.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	// 7. Resolve system config, applying defaults for anything unset
	serverCfg := resolveServerConfig(strandConfig.System)
	authCfg := resolveAuthConfig(strandConfig.System)
	catalogCfg := resolveCatalogConfig(strandConfig.System)
	webhookCfg := resolveWebhookConfig(strandConfig.System)
	retentionCfg := resolveRetentionConfig(strandConfig.System)
	mcpSettings := resolveMCPSettings(strandConfig.System)
	defaultGraphID := resolveDefaultGraphID(strandConfig.System, builtin)

	// Declared assistants fall back to the default graph when they omit graph_id
	assistants := strandConfig.Assistants
	for i := range assistants {
		if assistants[i].GraphID == "" {
			assistants[i].GraphID = defaultGraphID
		}
	}

	return &Config{
		configDir:           configDir,
		Server:              serverCfg,
		Auth:                authCfg,
		Engine:              engineConfig,
		Retention:           retentionCfg,
		Catalog:             catalogCfg,
		Webhook:             webhookCfg,
		MCP:                 mcpSettings,
		DefaultGraphID:      defaultGraphID,
		DeclaredAssistants:  assistants,
		MCPServerRegistry:   mcpServerRegistry,
		LLMProviderRegistry: llmProviderRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadStrandYAML() (*StrandYAMLConfig, error) {
	var config StrandYAMLConfig

	// Initialize map to avoid nil map
	config.MCPServers = make(map[string]MCPServerConfig)

	if err := l.loadYAML("strand.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	var config LLMProvidersYAMLConfig

	// Initialize map to avoid nil map
	config.LLMProviders = make(map[string]LLMProviderConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.LLMProviders, nil
}

// resolveServerConfig resolves HTTP server configuration from system YAML, applying defaults.
func resolveServerConfig(sys *SystemYAMLConfig) *ServerConfig {
	cfg := &ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}

	if sys == nil || sys.Server == nil {
		return cfg
	}

	s := sys.Server
	if s.Host != "" {
		cfg.Host = s.Host
	}
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	cfg.BaseURL = s.BaseURL
	cfg.AllowedOrigins = s.AllowedOrigins

	return cfg
}

// resolveAuthConfig resolves authentication configuration from system YAML, applying defaults.
func resolveAuthConfig(sys *SystemYAMLConfig) *AuthConfig {
	cfg := &AuthConfig{
		Mode:                AuthDisabled,
		IdentityClaim:       "sub",
		JWKSRefreshInterval: 15 * time.Minute,
	}

	if sys == nil || sys.Auth == nil {
		return cfg
	}

	a := sys.Auth
	if a.Mode != "" {
		cfg.Mode = a.Mode
	}
	cfg.JWKSURL = a.JWKSURL
	cfg.Issuer = a.Issuer
	cfg.Audience = a.Audience
	cfg.SecretEnv = a.SecretEnv
	if a.IdentityClaim != "" {
		cfg.IdentityClaim = a.IdentityClaim
	}
	if a.JWKSRefreshInterval > 0 {
		cfg.JWKSRefreshInterval = a.JWKSRefreshInterval
	}

	return cfg
}

// resolveCatalogConfig resolves assistant catalog configuration from system YAML, applying defaults.
func resolveCatalogConfig(sys *SystemYAMLConfig) *CatalogConfig {
	cfg := &CatalogConfig{
		TokenEnv: "CATALOG_TOKEN",
		CacheTTL: 5 * time.Minute,
	}

	if sys == nil || sys.Catalog == nil {
		return cfg
	}

	cat := sys.Catalog
	if cat.URL != "" {
		cfg.URL = cat.URL
	}
	if cat.TokenEnv != "" {
		cfg.TokenEnv = cat.TokenEnv
	}
	if cat.CacheTTL != "" {
		if d, err := time.ParseDuration(cat.CacheTTL); err == nil {
			cfg.CacheTTL = d
		} else {
			slog.Warn("Invalid cache_ttl in catalog config, using default",
				"value", cat.CacheTTL,
				"default", cfg.CacheTTL,
				"error", err)
		}
	}
	if len(cat.AllowedDomains) > 0 {
		cfg.AllowedDomains = cat.AllowedDomains
	}
	if cat.LazySync != nil {
		cfg.LazySync = *cat.LazySync
	}

	return cfg
}

// resolveWebhookConfig resolves webhook delivery configuration from system YAML, applying defaults.
func resolveWebhookConfig(sys *SystemYAMLConfig) *WebhookConfig {
	cfg := &WebhookConfig{
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}

	if sys == nil || sys.Webhooks == nil {
		return cfg
	}

	w := sys.Webhooks
	if w.Timeout != "" {
		if d, err := time.ParseDuration(w.Timeout); err == nil {
			cfg.Timeout = d
		} else {
			slog.Warn("Invalid timeout in webhooks config, using default",
				"value", w.Timeout,
				"default", cfg.Timeout,
				"error", err)
		}
	}
	if w.MaxRetries != nil {
		cfg.MaxRetries = *w.MaxRetries
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.EventTTL > 0 {
		cfg.EventTTL = r.EventTTL
	}
	if r.CheckpointRetentionDays > 0 {
		cfg.CheckpointRetentionDays = r.CheckpointRetentionDays
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}

	return cfg
}

// resolveMCPSettings resolves MCP client settings from system YAML, applying defaults.
func resolveMCPSettings(sys *SystemYAMLConfig) *MCPSettings {
	cfg := DefaultMCPSettings()

	if sys == nil || sys.MCP == nil {
		return cfg
	}

	m := sys.MCP
	if m.OAuthCacheTTL > 0 {
		cfg.OAuthCacheTTL = m.OAuthCacheTTL
	}
	if m.TokenExchangePath != "" {
		cfg.TokenExchangePath = m.TokenExchangePath
	}
	if m.ConnectTimeout > 0 {
		cfg.ConnectTimeout = m.ConnectTimeout
	}
	if m.RetryBackoffMin > 0 {
		cfg.RetryBackoffMin = m.RetryBackoffMin
	}
	if m.RetryBackoffMax > 0 {
		cfg.RetryBackoffMax = m.RetryBackoffMax
	}

	return cfg
}

// resolveDefaultGraphID resolves the graph assigned to assistants created
// without an explicit graph_id.
func resolveDefaultGraphID(sys *SystemYAMLConfig, builtin *BuiltinConfig) string {
	if sys != nil && sys.DefaultGraphID != "" {
		return sys.DefaultGraphID
	}
	return builtin.DefaultGraphID
}
