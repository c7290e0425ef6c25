package models

import "encoding/json"

// MessageType identifies who produced a conversation message. The values
// follow the wire convention clients expect ("human", "ai", "tool",
// "system"); streamed token deltas use "AIMessageChunk".
type MessageType string

const (
	MessageTypeHuman   MessageType = "human"
	MessageTypeAI      MessageType = "ai"
	MessageTypeTool    MessageType = "tool"
	MessageTypeSystem  MessageType = "system"
	MessageTypeAIChunk MessageType = "AIMessageChunk"
)

// Message is a single entry in a thread's conversation state.
type Message struct {
	ID               string         `json:"id,omitempty"`
	Type             MessageType    `json:"type"`
	Content          string         `json:"content"`
	Name             string         `json:"name,omitempty"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"` // set on tool result messages
	Status           string         `json:"status,omitempty"`       // tool result messages: "error" when the tool failed
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`
	UsageMetadata    *UsageMetadata `json:"usage_metadata,omitempty"`
}

// StatusError marks a tool result message whose execution failed.
const StatusError = "error"

// UnmarshalJSON accepts both the native "type" form and the OpenAI-style
// "role" form clients commonly submit as run input.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Role string `json:"role,omitempty"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if m.Type == "" && aux.Role != "" {
		switch aux.Role {
		case "user", "human":
			m.Type = MessageTypeHuman
		case "assistant", "ai":
			m.Type = MessageTypeAI
		case "system":
			m.Type = MessageTypeSystem
		case "tool":
			m.Type = MessageTypeTool
		}
	}
	return nil
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// UsageMetadata carries token accounting for one model response.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// MessagesFromValues extracts the conversation from a state values map.
// Entries that are not message-shaped are skipped.
func MessagesFromValues(values map[string]any) []Message {
	raw, ok := values["messages"].([]any)
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for _, entry := range raw {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}
