package config

import (
	"fmt"
	"strings"
	"sync"
)

// LLMProviderType identifies which SDK serves a provider.
type LLMProviderType string

const (
	ProviderAnthropic LLMProviderType = "anthropic"
	ProviderOpenAI    LLMProviderType = "openai"
)

// Valid reports whether t is a recognized provider type.
func (t LLMProviderType) Valid() bool {
	return t == ProviderAnthropic || t == ProviderOpenAI
}

// LLMProviderConfig defines LLM provider configuration
type LLMProviderConfig struct {
	// Provider type (required). Self-hosted endpoints speaking the OpenAI
	// wire protocol use type openai plus base_url.
	Type LLMProviderType `yaml:"type"`

	// Default model name (required); per-assistant config may override via
	// a "provider:model" ref.
	Model string `yaml:"model"`

	// Environment variable name for the API key
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint/base URL
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxOutputTokens caps completion length. 0 means the SDK default.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	// Temperature is optional; nil leaves the provider default.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxToolResultTokens truncates oversized tool output before it is
	// fed back to the model.
	MaxToolResultTokens int `yaml:"max_tool_result_tokens,omitempty"`

	// ThinkingBudgetTokens enables extended thinking when supported.
	ThinkingBudgetTokens int `yaml:"thinking_budget_tokens,omitempty"`
}

// LLMProviderRegistry stores LLM provider configurations in memory with thread-safe access
type LLMProviderRegistry struct {
	providers map[string]*LLMProviderConfig
	mu        sync.RWMutex
}

// NewLLMProviderRegistry creates a new LLM provider registry
func NewLLMProviderRegistry(providers map[string]*LLMProviderConfig) *LLMProviderRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*LLMProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &LLMProviderRegistry{providers: copied}
}

// Get retrieves an LLM provider configuration by name (thread-safe)
func (r *LLMProviderRegistry) Get(name string) (*LLMProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrLLMProviderNotFound, name)
	}
	return provider, nil
}

// ResolveModelRef resolves "provider" or "provider:model" into a provider
// config. A model suffix overrides the provider's default model on a copy,
// never on the registry entry.
func (r *LLMProviderRegistry) ResolveModelRef(ref string) (*LLMProviderConfig, error) {
	name, model := ref, ""
	if idx := strings.Index(ref, ":"); idx >= 0 {
		name, model = ref[:idx], ref[idx+1:]
	}
	provider, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if model == "" {
		return provider, nil
	}
	cp := *provider
	cp.Model = model
	return &cp, nil
}

// GetAll returns all LLM provider configurations (thread-safe, returns copy)
func (r *LLMProviderRegistry) GetAll() map[string]*LLMProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*LLMProviderConfig, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// Has checks if an LLM provider exists in the registry (thread-safe)
func (r *LLMProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.providers[name]
	return exists
}

// Len returns the number of LLM providers in the registry (thread-safe)
func (r *LLMProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
