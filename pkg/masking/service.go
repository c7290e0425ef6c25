package masking

import (
	"fmt"
	"log/slog"

	"github.com/strandlabs/strand/pkg/config"
)

// Service applies data masking to MCP tool results before they reach the
// model, checkpoints, or the event stream. Created once at application
// startup. Thread-safe and stateless aside from compiled patterns.
type Service struct {
	registry             *config.MCPServerRegistry
	patterns             map[string]*CompiledPattern // Built-in + custom compiled patterns
	patternGroups        map[string][]string         // Group name → pattern names
	codeMaskers          map[string]Masker           // Registered code-based maskers
	serverCustomPatterns map[string][]string         // serverID → custom pattern keys
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time. Invalid
// patterns are logged and skipped.
func NewService(registry *config.MCPServerRegistry) *Service {
	s := &Service{
		registry:             registry,
		patterns:             make(map[string]*CompiledPattern),
		patternGroups:        config.GetBuiltinConfig().PatternGroups,
		codeMaskers:          make(map[string]Masker),
		serverCustomPatterns: make(map[string][]string),
	}

	// 1. Compile all built-in regex patterns
	s.compileBuiltinPatterns()

	// 2. Compile custom patterns from all registry server configs
	s.compileCustomPatterns()

	// 3. Register code-based maskers
	s.registerMasker(&StructuredSecretMasker{})

	slog.Info("Masking service initialized",
		"builtin_patterns", len(config.GetBuiltinConfig().MaskingPatterns),
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// MaskToolResult applies server-specific masking to MCP tool result content
// for a server from the shared registry. Returns masked content. On masking
// failure, returns a redaction notice (fail-closed).
func (s *Service) MaskToolResult(content string, serverID string) string {
	if content == "" {
		return content
	}

	serverCfg, err := s.registry.Get(serverID)
	if err != nil || serverCfg.DataMasking == nil || !serverCfg.DataMasking.Enabled {
		return content // No masking configured
	}

	return s.MaskWithConfig(content, serverCfg.DataMasking, serverID)
}

// MaskWithConfig applies an explicit masking config, for servers declared
// inline in assistant config rather than in the shared registry. Inline
// custom patterns are compiled per call; invalid ones are logged and skipped.
func (s *Service) MaskWithConfig(content string, cfg *config.MaskingConfig, serverID string) string {
	if content == "" || cfg == nil || !cfg.Enabled {
		return content
	}

	resolved := s.resolvePatterns(cfg, serverID)
	if _, known := s.serverCustomPatterns[serverID]; !known {
		resolved.regexPatterns = append(resolved.regexPatterns, compileInlinePatterns(cfg.CustomPatterns, serverID)...)
	}
	if len(resolved.codeMaskerNames) == 0 && len(resolved.regexPatterns) == 0 {
		return content
	}

	masked, err := s.applyMasking(content, resolved)
	if err != nil {
		slog.Error("Masking failed, redacting content (fail-closed)",
			"server", serverID, "error", err)
		return "[REDACTED: data masking failure, tool result could not be safely processed]"
	}

	return masked
}

// applyMasking applies code-based maskers then regex patterns to content.
// A masker panicking on adversarial input must not take the run down with
// unmasked output in flight, so panics convert to an error and the caller
// redacts.
func (s *Service) applyMasking(content string, resolved *resolvedPatterns) (masked string, err error) {
	defer func() {
		if r := recover(); r != nil {
			masked = ""
			err = fmt.Errorf("masker panic: %v", r)
		}
	}()

	masked = content

	// Phase 1: Code-based maskers (more specific, structural awareness)
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: Regex patterns (general sweep)
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked, nil
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
