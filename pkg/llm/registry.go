package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/strandlabs/strand/pkg/config"
)

// ErrProviderUnavailable means the referenced provider is configured but
// has no client, usually because its API key env var was unset at startup.
var ErrProviderUnavailable = errors.New("LLM provider unavailable")

// Registry holds one ready client per configured provider and resolves
// "provider" or "provider:model" references to a client plus the
// effective provider settings for the call.
type Registry struct {
	providers *config.LLMProviderRegistry
	clients   map[string]Client
}

// NewRegistry builds a client for every provider whose credentials are
// present. Providers with a missing API key are skipped with a warning so
// a partially configured deployment still serves the rest; requests that
// reference a skipped provider fail with ErrProviderUnavailable.
func NewRegistry(providers *config.LLMProviderRegistry, logger *slog.Logger) *Registry {
	r := &Registry{providers: providers, clients: make(map[string]Client)}
	for name, cfg := range providers.GetAll() {
		apiKey := ""
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
			if apiKey == "" {
				logger.Warn("LLM provider API key env var is not set, skipping provider",
					"provider", name,
					"env", cfg.APIKeyEnv)
				continue
			}
		} else if cfg.BaseURL == "" {
			// Keyless is only workable against a self-hosted endpoint.
			logger.Warn("LLM provider has neither api_key_env nor base_url, skipping provider",
				"provider", name)
			continue
		}

		switch cfg.Type {
		case config.ProviderAnthropic:
			r.clients[name] = newAnthropicClient(apiKey, cfg.BaseURL)
		case config.ProviderOpenAI:
			r.clients[name] = newOpenAIClient(apiKey, cfg.BaseURL)
		default:
			logger.Warn("LLM provider has unrecognized type, skipping provider",
				"provider", name,
				"type", string(cfg.Type))
		}
	}
	return r
}

// Register installs or replaces the client serving a provider name.
// Configured providers are registered during construction; callers with
// custom Client implementations can add their own.
func (r *Registry) Register(name string, client Client) {
	r.clients[name] = client
}

// ForModel resolves a "provider" or "provider:model" reference to the
// provider's client and the settings to call it with. A model suffix
// overrides the provider's default model for this call only.
func (r *Registry) ForModel(ref string) (Client, *config.LLMProviderConfig, error) {
	name := ref
	if idx := strings.Index(ref, ":"); idx >= 0 {
		name = ref[:idx]
	}
	cfg, err := r.providers.ResolveModelRef(ref)
	if err != nil {
		return nil, nil, err
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, name)
	}
	return client, cfg, nil
}

// Available lists provider names that have a ready client, sorted.
func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
