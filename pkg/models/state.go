package models

import "time"

// CheckpointRef is the compound identity of a checkpoint.
type CheckpointRef struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// ThreadState is one snapshot of a thread as returned by the state and
// history endpoints. Clients resume or branch from the checkpoint refs.
type ThreadState struct {
	Values           map[string]any `json:"values"`
	Next             []string       `json:"next"`
	Tasks            []TaskState    `json:"tasks"`
	Checkpoint       *CheckpointRef `json:"checkpoint,omitempty"`
	ParentCheckpoint *CheckpointRef `json:"parent_checkpoint,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
}

// TaskState describes one pending or interrupted graph task in a snapshot.
type TaskState struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Error      string           `json:"error,omitempty"`
	Interrupts []map[string]any `json:"interrupts,omitempty"`
}
