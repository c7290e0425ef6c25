package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/models"
)

// modelTurn holds the fully collected response from one streaming model
// call.
type modelTurn struct {
	text      string
	thinking  string
	toolCalls []llm.ToolCall
	usage     *models.UsageMetadata
}

// deltaFunc receives new text content as it streams. nil disables
// per-token delivery.
type deltaFunc func(delta string) error

// callModel performs one streaming model call and collects it into a
// turn. Tool call and usage chunks are gathered; text goes through
// onDelta as it arrives. An ErrorChunk fails the call.
func (g *agentGraph) callModel(ctx context.Context, conv []llm.ConversationMessage, tools []llm.ToolDefinition, onDelta deltaFunc) (*modelTurn, error) {
	// Derive a cancellable context so the producer goroutine in Generate
	// is always cleaned up when we return early.
	llmCtx, llmCancel := context.WithCancel(ctx)
	defer llmCancel()

	stream, err := g.llmClient.Generate(llmCtx, &llm.GenerateInput{
		RunID:    g.runID,
		Messages: conv,
		Config:   g.provider,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	turn := &modelTurn{}
	var textBuf, thinkingBuf strings.Builder

	for chunk := range stream {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			textBuf.WriteString(c.Content)
			if onDelta != nil && c.Content != "" {
				if err := onDelta(c.Content); err != nil {
					return nil, err
				}
			}
		case *llm.ThinkingChunk:
			thinkingBuf.WriteString(c.Content)
		case *llm.ToolCallChunk:
			turn.toolCalls = append(turn.toolCalls, llm.ToolCall{
				ID:        c.CallID,
				Name:      c.Name,
				Arguments: c.Arguments,
			})
		case *llm.UsageChunk:
			turn.usage = &models.UsageMetadata{
				InputTokens:  int(c.InputTokens),
				OutputTokens: int(c.OutputTokens),
				TotalTokens:  int(c.TotalTokens),
			}
		case *llm.ErrorChunk:
			return nil, fmt.Errorf("model error: %s (code: %s, retryable: %v)",
				c.Message, c.Code, c.Retryable)
		}
	}

	turn.text = textBuf.String()
	turn.thinking = thinkingBuf.String()
	return turn, nil
}

// aiMessage assembles the persisted assistant message for a collected
// turn. Thinking content is kept out of the streamed text and lands in
// response metadata instead.
func (g *agentGraph) aiMessage(id string, turn *modelTurn) models.Message {
	msg := models.Message{
		ID:               id,
		Type:             models.MessageTypeAI,
		Content:          turn.text,
		ToolCalls:        storedToolCalls(turn.toolCalls),
		UsageMetadata:    turn.usage,
		ResponseMetadata: map[string]any{"model_name": g.provider.Model},
	}
	if turn.thinking != "" {
		msg.ResponseMetadata["thinking"] = turn.thinking
	}
	return msg
}

// textDelta adapts the emit channel to the per-token callback shape.
// Every delta of one model response carries the same message ID.
func (g *agentGraph) textDelta(emit emitFunc, cfg *models.RunnableConfig, msgID string) deltaFunc {
	if emit == nil {
		return nil
	}
	return func(delta string) error {
		return emit(&MessageEvent{
			Delta: models.MessageDelta{ID: msgID, Type: models.MessageTypeAIChunk, Content: delta},
			Meta:  g.deltaMeta(NodeAgent, cfg),
		})
	}
}

// emitResponseTail sends the terminal chunk of a model response: the
// structured parts (tool calls, usage) that only exist once the stream
// has been collected.
func (g *agentGraph) emitResponseTail(emit emitFunc, cfg *models.RunnableConfig, msgID string, msg models.Message) error {
	if emit == nil || (len(msg.ToolCalls) == 0 && msg.UsageMetadata == nil) {
		return nil
	}
	return emit(&MessageEvent{
		Delta: models.MessageDelta{
			ID:            msgID,
			Type:          models.MessageTypeAIChunk,
			ToolCalls:     msg.ToolCalls,
			UsageMetadata: msg.UsageMetadata,
		},
		Meta: g.deltaMeta(NodeAgent, cfg),
	})
}

// deltaMeta builds the observability metadata attached to every message
// event.
func (g *agentGraph) deltaMeta(node string, cfg *models.RunnableConfig) models.DeltaMetadata {
	meta := models.DeltaMetadata{
		GraphNode:    node,
		RunID:        g.runID,
		ThreadID:     g.threadID,
		CheckpointNS: g.namespace,
		ModelName:    g.provider.Model,
		Provider:     g.providerName,
	}
	if cfg != nil {
		meta.Tags = cfg.Tags
	}
	return meta
}
