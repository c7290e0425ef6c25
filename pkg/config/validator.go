package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"github.com/google/uuid"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: LLM providers → MCP servers → auth → assistants
	// This ensures dependencies are validated before dependents

	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := v.validateAssistants(); err != nil {
		return fmt.Errorf("assistant validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		// Validate provider type
		if !provider.Type.Valid() {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("invalid provider type: %s", provider.Type))
		}

		// Validate model is not empty
		if provider.Model == "" {
			return NewValidationError("llm_provider", name, "model", fmt.Errorf("model required"))
		}

		// Validate base URL parses if specified
		if provider.BaseURL != "" {
			if _, err := url.Parse(provider.BaseURL); err != nil {
				return NewValidationError("llm_provider", name, "base_url", fmt.Errorf("invalid URL: %v", err))
			}
		}

		// Validate max tool result tokens (defaults are applied during load,
		// so zero only appears when a user explicitly sets a bad value)
		if provider.MaxToolResultTokens < 1000 {
			return NewValidationError("llm_provider", name, "max_tool_result_tokens", fmt.Errorf("must be at least 1000"))
		}

		// Missing API keys are not fatal here: built-in providers stay
		// registered even when a deployment only configures one vendor.
		// The LLM client registry skips providers without keys at startup.
	}

	return nil
}

func (v *ConfigValidator) validateMCPServers() error {
	builtin := GetBuiltinConfig()

	for serverID, server := range v.cfg.MCPServerRegistry.GetAll() {
		// Validate transport type
		if !server.Transport.Type.Valid() {
			return NewValidationError("mcp_server", serverID, "transport.type", fmt.Errorf("invalid transport type: %s", server.Transport.Type))
		}

		// Validate transport-specific fields
		switch server.Transport.Type {
		case TransportStdio:
			if server.Transport.Command == "" {
				return NewValidationError("mcp_server", serverID, "transport.command", fmt.Errorf("command required for stdio transport"))
			}
			if server.Transport.AuthRequired {
				return NewValidationError("mcp_server", serverID, "transport.auth_required", fmt.Errorf("token exchange requires an http or sse transport"))
			}

		case TransportHTTP, TransportSSE:
			if server.Transport.URL == "" {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("url required for %s transport", server.Transport.Type))
			}
			u, err := url.Parse(server.Transport.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("invalid URL: %s", server.Transport.URL))
			}
		}

		// Validate data masking configuration
		if server.DataMasking != nil && server.DataMasking.Enabled {
			// Validate pattern groups reference built-in patterns
			for _, groupName := range server.DataMasking.PatternGroups {
				if _, exists := builtin.PatternGroups[groupName]; !exists {
					return NewValidationError("mcp_server", serverID, "data_masking.pattern_groups", fmt.Errorf("pattern group '%s' not found", groupName))
				}
			}

			// Validate individual patterns reference built-in patterns
			for _, patternName := range server.DataMasking.Patterns {
				if _, exists := builtin.MaskingPatterns[patternName]; !exists {
					return NewValidationError("mcp_server", serverID, "data_masking.patterns", fmt.Errorf("pattern '%s' not found", patternName))
				}
			}

			// Validate custom patterns have required fields and compile
			for i, pattern := range server.DataMasking.CustomPatterns {
				if pattern.Pattern == "" {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("pattern required"))
				}
				if pattern.Replacement == "" {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].replacement", i), fmt.Errorf("replacement required"))
				}
				if _, err := regexp.Compile(pattern.Pattern); err != nil {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("invalid regex: %v", err))
				}
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateAuth() error {
	auth := v.cfg.Auth

	switch auth.Mode {
	case AuthDisabled:
		return nil

	case AuthJWKS:
		if auth.JWKSURL == "" {
			return NewValidationError("auth", string(auth.Mode), "jwks_url", fmt.Errorf("jwks_url required for jwks mode"))
		}
		u, err := url.Parse(auth.JWKSURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return NewValidationError("auth", string(auth.Mode), "jwks_url", fmt.Errorf("invalid URL: %s", auth.JWKSURL))
		}

	case AuthSecret:
		if auth.SecretEnv == "" {
			return NewValidationError("auth", string(auth.Mode), "secret_env", fmt.Errorf("secret_env required for secret mode"))
		}
		if value := os.Getenv(auth.SecretEnv); value == "" {
			return NewValidationError("auth", string(auth.Mode), "secret_env", fmt.Errorf("environment variable %s is not set", auth.SecretEnv))
		}

	default:
		return NewValidationError("auth", string(auth.Mode), "mode", fmt.Errorf("invalid auth mode: %s", auth.Mode))
	}

	return nil
}

func (v *ConfigValidator) validateAssistants() error {
	seen := make(map[string]bool, len(v.cfg.DeclaredAssistants))

	for i, assistant := range v.cfg.DeclaredAssistants {
		ref := assistant.Name
		if ref == "" {
			ref = fmt.Sprintf("assistants[%d]", i)
		}

		// A declared assistant needs a stable identity: either an explicit
		// UUID or a name the catalog can derive one from.
		if assistant.AssistantID == "" && assistant.Name == "" {
			return NewValidationError("assistant", ref, "assistant_id", fmt.Errorf("assistant_id or name required"))
		}
		if assistant.AssistantID != "" {
			if _, err := uuid.Parse(assistant.AssistantID); err != nil {
				return NewValidationError("assistant", ref, "assistant_id", fmt.Errorf("invalid UUID: %s", assistant.AssistantID))
			}
		}

		key := assistant.AssistantID + "/" + assistant.Name
		if seen[key] {
			return NewValidationError("assistant", ref, "assistant_id", fmt.Errorf("duplicate declaration"))
		}
		seen[key] = true
	}

	return nil
}
