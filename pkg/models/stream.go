package models

import "encoding/json"

// Stream event names. "messages" is load-bearing: singular "message" or the
// legacy "messages/partial" family breaks client-side matchers. Sub-graph
// events arrive namespaced as "messages|<subgraph>" and pass through as-is.
const (
	StreamEventMetadata = "metadata"
	StreamEventValues   = "values"
	StreamEventMessages = "messages"
	StreamEventUpdates  = "updates"
	StreamEventError    = "error"
	StreamEventEnd      = "end"
)

// SubgraphDelimiter separates an event name from its sub-graph namespace.
const SubgraphDelimiter = "|"

// StreamEvent is one SSE frame: an event name plus a JSON payload.
type StreamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MetadataEventPayload opens every stream.
type MetadataEventPayload struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

// EndEventPayload closes every stream, success or not.
type EndEventPayload struct {
	RunID        string    `json:"run_id"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Status       RunStatus `json:"status"`
}

// ErrorEventPayload reports a failure mid-stream. The end event still
// follows it.
type ErrorEventPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MessageDelta is the first element of the two-element messages tuple.
// Content carries only the new tokens since the previous event, never the
// accumulated text.
type MessageDelta struct {
	ID            string         `json:"id,omitempty"`
	Type          MessageType    `json:"type"`
	Content       string         `json:"content"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID    string         `json:"tool_call_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	UsageMetadata *UsageMetadata `json:"usage_metadata,omitempty"`
}

// DeltaMetadata is the second element of the messages tuple: flat
// observability fields, never cumulative state.
type DeltaMetadata struct {
	GraphNode    string   `json:"langgraph_node,omitempty"`
	RunID        string   `json:"run_id"`
	ThreadID     string   `json:"thread_id"`
	CheckpointNS string   `json:"checkpoint_ns"`
	ModelName    string   `json:"ls_model_name,omitempty"`
	Provider     string   `json:"ls_provider,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// MessagesTuple marshals as the wire-form [delta, metadata] pair.
func MessagesTuple(delta MessageDelta, meta DeltaMetadata) ([]byte, error) {
	return json.Marshal([2]any{delta, meta})
}
