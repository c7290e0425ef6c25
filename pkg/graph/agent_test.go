package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/masking"
	"github.com/strandlabs/strand/pkg/mcp"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage/memory"
)

// scriptedLLM plays back one canned chunk sequence per call and records
// every input it saw.
type scriptedLLM struct {
	mu     sync.Mutex
	turns  [][]llm.Chunk
	inputs []*llm.GenerateInput
}

func (s *scriptedLLM) Generate(_ context.Context, input *llm.GenerateInput) (<-chan llm.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) >= len(s.turns) {
		return nil, fmt.Errorf("unexpected model call %d", len(s.inputs)+1)
	}
	chunks := s.turns[len(s.inputs)]
	s.inputs = append(s.inputs, input)

	out := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

// stubTools returns canned results by tool name and records every call.
type stubTools struct {
	defs    []llm.ToolDefinition
	results map[string]*mcp.ToolResult
	calls   []llm.ToolCall
	closed  bool
}

func (s *stubTools) Definitions() []llm.ToolDefinition { return s.defs }

func (s *stubTools) Execute(_ context.Context, call llm.ToolCall) *mcp.ToolResult {
	s.calls = append(s.calls, call)
	if r, ok := s.results[call.Name]; ok {
		out := *r
		out.CallID = call.ID
		out.Name = call.Name
		return &out
	}
	return &mcp.ToolResult{CallID: call.ID, Name: call.Name, Content: "ok"}
}

func (s *stubTools) Close() error {
	s.closed = true
	return nil
}

func newTestGraph(t *testing.T, client llm.Client, tools ToolExecutor) (*agentGraph, checkpoint.Session) {
	t.Helper()
	session, err := checkpoint.NewMemorySaver().Session(context.Background())
	require.NoError(t, err)
	return &agentGraph{
		saver:        session,
		store:        memory.NewStore().Items(),
		llmClient:    client,
		provider:     &config.LLMProviderConfig{Type: config.ProviderAnthropic, Model: "claude-sonnet-4-5"},
		providerName: "anthropic",
		tools:        tools,
		systemPrompt: "You are a helpful assistant.",
		threadID:     "thread-1",
		runID:        "run-1",
		assistantID:  "asst-1",
		namespace:    checkpoint.NamespaceForAssistant("asst-1"),
		logger:       slog.New(slog.DiscardHandler),
	}, session
}

func humanInput(content string) map[string]any {
	return map[string]any{
		"messages": []any{map[string]any{"type": "human", "content": content}},
	}
}

func newFactoryDeps(t *testing.T) Deps {
	t.Helper()
	providers := config.NewLLMProviderRegistry(map[string]*config.LLMProviderConfig{
		"anthropic": {Type: config.ProviderAnthropic, Model: "claude-sonnet-4-5"},
	})
	logger := slog.New(slog.DiscardHandler)
	registry := llm.NewRegistry(providers, logger)
	registry.Register("anthropic", &scriptedLLM{})

	mcpServers := config.NewMCPServerRegistry(nil)
	loader := mcp.NewLoader(mcpServers, nil, masking.NewService(mcpServers), memory.NewStore().Items())
	return Deps{LLM: registry, MCP: loader, Logger: logger}
}

func buildConfigurable(overrides map[string]any) map[string]any {
	configurable := map[string]any{
		ConfigKeyModel:        "anthropic",
		ConfigKeySystemPrompt: "Be brief.",
		ConfigKeyThreadID:     "thread-1",
		ConfigKeyRunID:        "run-1",
		ConfigKeyAssistantID:  "asst-1",
		ConfigKeyCheckpointNS: checkpoint.NamespaceForAssistant("asst-1"),
	}
	for k, v := range overrides {
		if v == nil {
			delete(configurable, k)
			continue
		}
		configurable[k] = v
	}
	return configurable
}

func TestNewAgentFactory_BuildsGraph(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	g, err := factory(ctx, buildConfigurable(map[string]any{ConfigKeyTemperature: 0.2}), session, memory.NewStore().Items())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	ag, ok := g.(*agentGraph)
	require.True(t, ok)
	assert.Equal(t, "thread-1", ag.threadID)
	assert.Equal(t, "run-1", ag.runID)
	assert.Equal(t, "assistant:asst-1", ag.namespace)
	assert.Equal(t, "Be brief.", ag.systemPrompt)
	assert.Equal(t, "anthropic", ag.providerName)
	assert.Equal(t, "claude-sonnet-4-5", ag.provider.Model)
	require.NotNil(t, ag.provider.Temperature)
	assert.InDelta(t, 0.2, *ag.provider.Temperature, 1e-9)

	// The override lives on a per-run copy, not the registry entry.
	g2, err := factory(ctx, buildConfigurable(nil), session, memory.NewStore().Items())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g2.Close() })
	assert.Nil(t, g2.(*agentGraph).provider.Temperature)
}

func TestNewAgentFactory_ModelSuffixOverride(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	g, err := factory(ctx, buildConfigurable(map[string]any{ConfigKeyModel: "anthropic:claude-haiku-4-5"}), session, memory.NewStore().Items())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	ag := g.(*agentGraph)
	assert.Equal(t, "claude-haiku-4-5", ag.provider.Model)
	assert.Equal(t, "anthropic", ag.providerName)
}

func TestNewAgentFactory_MissingModel(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	_, err = factory(ctx, buildConfigurable(map[string]any{ConfigKeyModel: nil}), session, memory.NewStore().Items())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configurable.model is required")
}

func TestNewAgentFactory_MissingThreadID(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	_, err = factory(ctx, buildConfigurable(map[string]any{ConfigKeyThreadID: nil}), session, memory.NewStore().Items())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thread_id")
}

func TestNewAgentFactory_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	_, err = factory(ctx, buildConfigurable(map[string]any{ConfigKeyModel: "ghost"}), session, memory.NewStore().Items())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestNewAgentFactory_DerivesNamespaceFromAssistant(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	g, err := factory(ctx, buildConfigurable(map[string]any{ConfigKeyCheckpointNS: nil}), session, memory.NewStore().Items())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	assert.Equal(t, "assistant:asst-1", g.(*agentGraph).namespace)
}

func TestNewAgentFactory_InvalidMCPConfig(t *testing.T) {
	ctx := context.Background()
	factory := NewAgentFactory(newFactoryDeps(t))
	session, err := checkpoint.NewMemorySaver().Session(ctx)
	require.NoError(t, err)

	configurable := buildConfigurable(map[string]any{
		ConfigKeyMCPConfig: map[string]any{
			"servers": []any{map[string]any{"url": "https://docs.example.com/mcp"}},
		},
	})
	_, err = factory(ctx, configurable, session, memory.NewStore().Items())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing name")
}

func TestAgentGraph_GetState_NoCheckpoint(t *testing.T) {
	g, _ := newTestGraph(t, &scriptedLLM{}, &stubTools{})

	state, err := g.GetState(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestAgentGraph_GetState(t *testing.T) {
	ctx := context.Background()
	client := &scriptedLLM{turns: [][]llm.Chunk{{&llm.TextChunk{Content: "Hi"}}}}
	g, _ := newTestGraph(t, client, &stubTools{})

	_, err := g.Invoke(ctx, humanInput("hello"), nil)
	require.NoError(t, err)

	state, err := g.GetState(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, models.MessagesFromValues(state.Values), 2)
	assert.Empty(t, state.Next)
	require.NotNil(t, state.Checkpoint)
	assert.Equal(t, "thread-1", state.Checkpoint.ThreadID)
	assert.Equal(t, "assistant:asst-1", state.Checkpoint.CheckpointNS)
	assert.NotEmpty(t, state.Checkpoint.CheckpointID)
	require.NotNil(t, state.ParentCheckpoint)
	assert.NotEqual(t, state.Checkpoint.CheckpointID, state.ParentCheckpoint.CheckpointID)
	assert.Equal(t, "loop", state.Metadata["source"])
	require.NotNil(t, state.CreatedAt)
}

func TestAgentGraph_Close(t *testing.T) {
	tools := &stubTools{}
	g, _ := newTestGraph(t, &scriptedLLM{}, tools)

	require.NoError(t, g.Close())
	assert.True(t, tools.closed)
}

func TestAgentGraph_CloseWithoutTools(t *testing.T) {
	g, _ := newTestGraph(t, &scriptedLLM{}, nil)
	require.NoError(t, g.Close())
}
