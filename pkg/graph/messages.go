package graph

import (
	"encoding/json"
	"fmt"

	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/mcp"
	"github.com/strandlabs/strand/pkg/models"
)

// cloneValues deep-copies a state values map through JSON. Checkpoints
// must not alias live state, and the round trip keeps every value in the
// plain JSON shape MessagesFromValues expects regardless of how it was
// built.
func cloneValues(values map[string]any) (map[string]any, error) {
	if len(values) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to clone state values: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone state values: %w", err)
	}
	return out, nil
}

// messageToMap converts a message to the plain map form stored in state
// values.
func messageToMap(msg models.Message) (map[string]any, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return out, nil
}

// appendMessages returns a copy of values with msgs appended to the
// messages list. The input map is never mutated.
func appendMessages(values map[string]any, msgs ...models.Message) (map[string]any, error) {
	out, err := cloneValues(values)
	if err != nil {
		return nil, err
	}
	list, _ := out["messages"].([]any)
	for _, msg := range msgs {
		m, err := messageToMap(msg)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	out["messages"] = list
	return out, nil
}

// MergeInputValues overlays a run's input onto existing state values the
// way the first graph step will apply it: input messages append to the
// state's messages list, any other input key replaces the state's value.
// Neither input map is mutated. This is what makes the opening values
// event of a stream carry the full history plus the new input instead of
// the input alone.
func MergeInputValues(state, input map[string]any) (map[string]any, error) {
	out, err := cloneValues(state)
	if err != nil {
		return nil, err
	}
	for k, v := range input {
		if k == "messages" {
			continue
		}
		out[k] = v
	}
	msgs := models.MessagesFromValues(input)
	if len(msgs) == 0 {
		return out, nil
	}
	return appendMessages(out, msgs...)
}

// messagesUpdate is the state delta a node reports for newly appended
// messages, in the shape updates events carry.
func messagesUpdate(msgs ...models.Message) (map[string]any, error) {
	list := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		m, err := messageToMap(msg)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return map[string]any{"messages": list}, nil
}

// conversationForModel flattens the stored conversation into provider
// turns. The system prompt leads when set; message types outside the
// model vocabulary (streaming chunk markers and the like) are skipped.
func conversationForModel(systemPrompt string, msgs []models.Message) []llm.ConversationMessage {
	conv := make([]llm.ConversationMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		conv = append(conv, llm.ConversationMessage{Role: "system", Content: systemPrompt})
	}
	for _, msg := range msgs {
		switch msg.Type {
		case models.MessageTypeHuman:
			conv = append(conv, llm.ConversationMessage{Role: "user", Content: msg.Content})
		case models.MessageTypeSystem:
			conv = append(conv, llm.ConversationMessage{Role: "system", Content: msg.Content})
		case models.MessageTypeAI:
			conv = append(conv, llm.ConversationMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCallsForModel(msg.ToolCalls),
			})
		case models.MessageTypeTool:
			conv = append(conv, llm.ConversationMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
				ToolName:   msg.Name,
				IsError:    msg.Status == models.StatusError,
			})
		}
	}
	return conv
}

// toolCallsForModel converts stored tool calls back to the provider
// shape, re-encoding parsed args as JSON.
func toolCallsForModel(calls []models.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		args := "{}"
		if len(call.Args) > 0 {
			if data, err := json.Marshal(call.Args); err == nil {
				args = string(data)
			}
		}
		out = append(out, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: args})
	}
	return out
}

// storedToolCalls converts provider tool calls to the stored shape. The
// arguments go through the same tolerant parser the toolset executes
// with, so the stored call always reflects what the tool received.
func storedToolCalls(calls []llm.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, call := range calls {
		args, err := mcp.ParseToolArguments(call.Arguments)
		if err != nil {
			args = map[string]any{"input": call.Arguments}
		}
		out = append(out, models.ToolCall{ID: call.ID, Name: call.Name, Args: args})
	}
	return out
}
