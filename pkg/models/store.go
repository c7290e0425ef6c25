package models

import (
	"encoding/json"
	"time"
)

// StoreItem is one document in the user-scoped key-value store.
// Identity is (owner, namespace, key).
type StoreItem struct {
	Namespace []string       `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// ExpiresAt makes the item invisible past the deadline; reaped by the
	// cleanup service. Used for the OAuth token cache, nil for user data.
	ExpiresAt *time.Time `json:"-"`

	Owner string `json:"-"`
}

// NamespaceInput accepts the two wire forms of a namespace: a list of path
// components or a slash-joined string. Normalization to the list form
// happens at the storage boundary.
type NamespaceInput struct {
	// Exactly one of these is set after unmarshaling.
	Parts  []string
	Joined string
	IsList bool
}

func (n *NamespaceInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		n.IsList = true
		return json.Unmarshal(data, &n.Parts)
	}
	return json.Unmarshal(data, &n.Joined)
}

// PutStoreItemRequest contains fields for upserting a store item
type PutStoreItemRequest struct {
	Namespace NamespaceInput `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
}

// DeleteStoreItemRequest contains fields for deleting a store item
type DeleteStoreItemRequest struct {
	Namespace NamespaceInput `json:"namespace"`
	Key       string         `json:"key"`
}

// SearchStoreItemsRequest contains filtering options for searching the store.
// The wire field for the prefix is "namespace" (clients send it that way).
type SearchStoreItemsRequest struct {
	NamespacePrefix NamespaceInput `json:"namespace"`
	Filter          map[string]any `json:"filter,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	Offset          int            `json:"offset,omitempty"`
}

// ListNamespacesRequest contains filtering options for listing namespaces
type ListNamespacesRequest struct {
	Prefix   NamespaceInput `json:"prefix,omitempty"`
	Suffix   NamespaceInput `json:"suffix,omitempty"`
	MaxDepth int            `json:"max_depth,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Offset   int            `json:"offset,omitempty"`
}
