package models

import "time"

// ThreadStatus tracks whether a thread currently has work in flight.
type ThreadStatus string

const (
	ThreadStatusIdle        ThreadStatus = "idle"
	ThreadStatusBusy        ThreadStatus = "busy"
	ThreadStatusInterrupted ThreadStatus = "interrupted"
	ThreadStatusError       ThreadStatus = "error"
)

// Thread is a conversation; the unit of persistence and owner scoping.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	Status    ThreadStatus   `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	Values    map[string]any `json:"values,omitempty"` // latest state snapshot, denormalized for search
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	Owner string `json:"-"`
}

// CreateThreadRequest contains fields for creating a thread
type CreateThreadRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	IfExists string         `json:"if_exists,omitempty"` // "raise" (default) or "do_nothing"
}

// PatchThreadRequest contains fields for updating a thread
type PatchThreadRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchThreadsRequest contains filtering options for listing threads
type SearchThreadsRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
	Status   ThreadStatus   `json:"status,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}
