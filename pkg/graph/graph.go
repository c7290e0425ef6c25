// Package graph runs agents as compiled state machines. A graph alternates
// model and tool steps, checkpoints its state after every step and emits
// events the streaming layer turns into SSE frames. The registry maps
// graph IDs from assistant configs to factories; the built-in "agent"
// graph covers the standard tool-calling loop.
package graph

import (
	"context"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// Configurable keys the runtime reads. Assistant and run configs supply
// model, system_prompt, temperature and mcp_config; the engine injects the
// identity keys on every invocation.
const (
	ConfigKeyModel        = "model"
	ConfigKeySystemPrompt = "system_prompt"
	ConfigKeyTemperature  = "temperature"
	ConfigKeyMCPConfig    = "mcp_config"
	ConfigKeyThreadID     = "thread_id"
	ConfigKeyRunID        = "run_id"
	ConfigKeyAssistantID  = "assistant_id"
	ConfigKeyCheckpointNS = "checkpoint_ns"
)

// Node names of the built-in agent graph, surfaced in delta metadata and
// updates events.
const (
	NodeAgent = "agent"
	NodeTools = "tools"
)

// DefaultRecursionLimit caps model and tool steps per run when the merged
// config sets none.
const DefaultRecursionLimit = 25

// Factory builds a graph bound to one run: the merged configurable plus a
// checkpoint session and store checked out for the request. Building may
// do real work (MCP tool loading), hence the context.
type Factory func(ctx context.Context, configurable map[string]any, saver checkpoint.Session, store storage.StoreRepository) (Graph, error)

// Graph is a compiled agent. One instance serves one run and is not safe
// for concurrent use.
type Graph interface {
	// Stream executes the graph, emitting events as it goes. The channel
	// closes when execution finishes; a failed execution sends an
	// ErrorEvent last. Cancel ctx to stop the graph between steps.
	Stream(ctx context.Context, input map[string]any, cfg *models.RunnableConfig) (<-chan Event, error)

	// Invoke executes the graph without event delivery and returns the
	// final state values.
	Invoke(ctx context.Context, input map[string]any, cfg *models.RunnableConfig) (map[string]any, error)

	// GetState returns the latest checkpointed state for the graph's
	// thread and namespace, or (nil, nil) when none exists yet.
	GetState(ctx context.Context, cfg *models.RunnableConfig) (*models.ThreadState, error)

	// Close releases build-time resources (MCP sessions).
	Close() error
}

// Event is the interface for all graph execution events.
type Event interface {
	eventType() string
}

// MessageEvent is one streamed message delta with its observability
// metadata. Deltas belonging to the same model response share a message
// ID; clients concatenate content by ID. Tool results arrive as a single
// whole-message event.
type MessageEvent struct {
	Delta models.MessageDelta
	Meta  models.DeltaMetadata

	// Namespace is the sub-graph namespace, empty at the root. Non-empty
	// values are appended to the SSE event name after the delimiter.
	Namespace string
}

// UpdatesEvent reports the state delta one node wrote in its step.
type UpdatesEvent struct {
	Node   string
	Update map[string]any
}

// ErrorEvent is the last event of a failed execution.
type ErrorEvent struct {
	Err error
}

func (e *MessageEvent) eventType() string { return models.StreamEventMessages }
func (e *UpdatesEvent) eventType() string { return models.StreamEventUpdates }
func (e *ErrorEvent) eventType() string   { return models.StreamEventError }

// StateFromSnapshot converts a checkpoint snapshot to the wire-level
// thread state. Shared by GetState and the state/history endpoints.
func StateFromSnapshot(snap *checkpoint.Snapshot) *models.ThreadState {
	state := &models.ThreadState{
		Values: snap.Values,
		Next:   snap.Next,
		Tasks:  []models.TaskState{},
		Checkpoint: &models.CheckpointRef{
			ThreadID:     snap.ThreadID,
			CheckpointNS: snap.Namespace,
			CheckpointID: snap.CheckpointID,
		},
		Metadata: snap.Metadata,
	}
	if state.Values == nil {
		state.Values = map[string]any{}
	}
	if state.Next == nil {
		state.Next = []string{}
	}
	if !snap.CreatedAt.IsZero() {
		created := snap.CreatedAt
		state.CreatedAt = &created
	}
	if snap.ParentID != "" {
		state.ParentCheckpoint = &models.CheckpointRef{
			ThreadID:     snap.ThreadID,
			CheckpointNS: snap.Namespace,
			CheckpointID: snap.ParentID,
		}
	}
	if len(snap.Interrupts) > 0 {
		name := NodeAgent
		if len(snap.Next) > 0 {
			name = snap.Next[0]
		}
		state.Tasks = append(state.Tasks, models.TaskState{
			ID:         snap.CheckpointID,
			Name:       name,
			Interrupts: snap.Interrupts,
		})
	}
	return state
}
