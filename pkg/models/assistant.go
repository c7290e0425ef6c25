// Package models contains request/response models and business domain types.
package models

import "time"

// OwnerSystem is the reserved owner for assistants synced from the catalog
// at startup. Catalog assistants are visible to every caller but only the
// sync process mutates them.
const OwnerSystem = "system"

// IfExists values control create-collision behavior.
const (
	IfExistsRaise     = "raise"
	IfExistsDoNothing = "do_nothing"
)

// Assistant binds a graph ID to a named configuration.
type Assistant struct {
	AssistantID string          `json:"assistant_id"`
	GraphID     string          `json:"graph_id"`
	Config      *RunnableConfig `json:"config"`
	Metadata    map[string]any  `json:"metadata"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// Owner scopes every mutation; not serialized, exposed via Metadata["owner"].
	Owner string `json:"-"`
}

// RunnableConfig mirrors the graph invocation config shape. Assistant config
// and per-run config merge field-wise, run values winning.
type RunnableConfig struct {
	Tags           []string       `json:"tags,omitempty"`
	RecursionLimit int            `json:"recursion_limit,omitempty"`
	Configurable   map[string]any `json:"configurable,omitempty"`
}

// Merge returns a new config with overlay applied on top of c.
// Tags concatenate, recursion_limit and configurable keys override.
func (c *RunnableConfig) Merge(overlay *RunnableConfig) *RunnableConfig {
	merged := &RunnableConfig{}
	if c != nil {
		merged.Tags = append(merged.Tags, c.Tags...)
		merged.RecursionLimit = c.RecursionLimit
		merged.Configurable = make(map[string]any, len(c.Configurable))
		for k, v := range c.Configurable {
			merged.Configurable[k] = v
		}
	}
	if merged.Configurable == nil {
		merged.Configurable = make(map[string]any)
	}
	if overlay != nil {
		merged.Tags = append(merged.Tags, overlay.Tags...)
		if overlay.RecursionLimit != 0 {
			merged.RecursionLimit = overlay.RecursionLimit
		}
		for k, v := range overlay.Configurable {
			merged.Configurable[k] = v
		}
	}
	return merged
}

// CreateAssistantRequest contains fields for creating an assistant
type CreateAssistantRequest struct {
	AssistantID string          `json:"assistant_id,omitempty"` // client-supplied UUID, generated when empty
	GraphID     string          `json:"graph_id"`
	Config      *RunnableConfig `json:"config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	IfExists    string          `json:"if_exists,omitempty"` // "raise" (default) or "do_nothing"
}

// PatchAssistantRequest contains fields for updating an assistant.
// Nil fields are left untouched; any change bumps the version.
type PatchAssistantRequest struct {
	GraphID     *string         `json:"graph_id,omitempty"`
	Config      *RunnableConfig `json:"config,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
}

// SearchAssistantsRequest contains filtering options for listing assistants
type SearchAssistantsRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
	GraphID  string         `json:"graph_id,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}
