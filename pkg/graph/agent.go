package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/mcp"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// ToolExecutor abstracts the MCP toolset for the agent loop.
type ToolExecutor interface {
	// Definitions returns the tools to bind to the model.
	Definitions() []llm.ToolDefinition

	// Execute runs one tool call. Failures come back as error-flagged
	// results, never as a Go error.
	Execute(ctx context.Context, call llm.ToolCall) *mcp.ToolResult

	// Close releases the underlying sessions.
	Close() error
}

// Deps are the process-wide services the built-in graphs build on.
type Deps struct {
	LLM    *llm.Registry
	MCP    *mcp.Loader
	Logger *slog.Logger
}

// agentGraph is the built-in tool-calling loop: model step, tool step,
// repeat until the model answers without tool calls or the recursion
// limit forces a conclusion.
type agentGraph struct {
	saver checkpoint.Session
	store storage.StoreRepository

	llmClient    llm.Client
	provider     *config.LLMProviderConfig
	providerName string
	tools        ToolExecutor
	systemPrompt string

	threadID    string
	runID       string
	assistantID string
	namespace   string

	logger *slog.Logger
}

var _ Graph = (*agentGraph)(nil)

// NewAgentFactory returns the factory behind the default "agent" graph.
// Building resolves the model, applies config overrides and loads the MCP
// toolset, so a build failure surfaces before the run transitions to
// running.
func NewAgentFactory(deps Deps) Factory {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, configurable map[string]any, saver checkpoint.Session, store storage.StoreRepository) (Graph, error) {
		threadID := stringValue(configurable, ConfigKeyThreadID)
		if threadID == "" {
			return nil, errors.New("configurable.thread_id is required")
		}

		modelRef := stringValue(configurable, ConfigKeyModel)
		if modelRef == "" {
			return nil, errors.New("configurable.model is required")
		}
		client, providerCfg, err := deps.LLM.ForModel(modelRef)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve model %q: %w", modelRef, err)
		}
		provider := *providerCfg
		if t, ok := floatValue(configurable, ConfigKeyTemperature); ok {
			provider.Temperature = &t
		}

		assistantID := stringValue(configurable, ConfigKeyAssistantID)
		namespace := stringValue(configurable, ConfigKeyCheckpointNS)
		if namespace == "" && assistantID != "" {
			namespace = checkpoint.NamespaceForAssistant(assistantID)
		}

		mcpRaw, _ := configurable[ConfigKeyMCPConfig].(map[string]any)
		mcpCfg, err := models.ParseMCPConfig(mcpRaw)
		if err != nil {
			return nil, err
		}
		toolset, err := deps.MCP.LoadToolset(ctx, mcpCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to load MCP tools: %w", err)
		}
		for name, reason := range toolset.FailedServers() {
			logger.Warn("MCP server unavailable, its tools are skipped for this run",
				"server", name,
				"reason", reason)
		}

		return &agentGraph{
			saver:        saver,
			store:        store,
			llmClient:    client,
			provider:     &provider,
			providerName: providerName(modelRef),
			tools:        toolset,
			systemPrompt: stringValue(configurable, ConfigKeySystemPrompt),
			threadID:     threadID,
			runID:        stringValue(configurable, ConfigKeyRunID),
			assistantID:  assistantID,
			namespace:    namespace,
			logger:       logger,
		}, nil
	}
}

// Stream executes the loop in a goroutine and delivers events on the
// returned channel.
func (g *agentGraph) Stream(ctx context.Context, input map[string]any, cfg *models.RunnableConfig) (<-chan Event, error) {
	ch := make(chan Event)
	emit := func(ev Event) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		defer close(ch)
		if _, err := g.run(ctx, input, cfg, emit); err != nil {
			select {
			case ch <- &ErrorEvent{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Invoke executes the loop without event delivery and returns the final
// state values.
func (g *agentGraph) Invoke(ctx context.Context, input map[string]any, cfg *models.RunnableConfig) (map[string]any, error) {
	return g.run(ctx, input, cfg, nil)
}

// GetState returns the latest checkpointed state, or (nil, nil) before
// the first checkpoint.
func (g *agentGraph) GetState(ctx context.Context, _ *models.RunnableConfig) (*models.ThreadState, error) {
	snap, err := g.saver.Latest(ctx, g.threadID, g.namespace)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return StateFromSnapshot(snap), nil
}

// Close releases the MCP sessions loaded at build time.
func (g *agentGraph) Close() error {
	if g.tools == nil {
		return nil
	}
	return g.tools.Close()
}

// providerName extracts the provider part of a "provider" or
// "provider:model" reference, for the ls_provider metadata field.
func providerName(ref string) string {
	if idx := strings.Index(ref, ":"); idx >= 0 {
		return ref[:idx]
	}
	return ref
}

func stringValue(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// floatValue reads a numeric configurable entry. JSON decoding yields
// float64, YAML-sourced config may carry int.
func floatValue(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
