// Package checkpoint persists graph state snapshots per thread and
// namespace. Namespaces isolate assistants sharing a thread: each
// assistant reads and writes under its own namespace, so two assistants
// never see each other's history.
package checkpoint

import (
	"context"
	"time"
)

// NamespaceForAssistant returns the checkpoint namespace an assistant's
// runs read and write. Derived, never user-supplied.
func NamespaceForAssistant(assistantID string) string {
	return "assistant:" + assistantID
}

// History pagination bounds.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 1000
)

// ClampHistoryLimit normalizes a client-supplied history limit.
func ClampHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Snapshot is one persisted graph state. RunID records which run wrote it,
// which is what makes rollback deletion possible.
type Snapshot struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	ParentID     string
	RunID        string
	Values       map[string]any
	Next         []string
	Interrupts   []map[string]any
	Metadata     map[string]any
	CreatedAt    time.Time

	// seq orders snapshots within a namespace; assigned on Put.
	seq int64
}

// Saver reads and writes snapshots. Deletes cover the three lifecycles:
// thread deletion, multitask rollback and retention sweeps.
type Saver interface {
	// Put persists the snapshot, assigning CheckpointID and CreatedAt
	// when unset.
	Put(ctx context.Context, snapshot *Snapshot) error

	// Latest returns the most recent snapshot in the namespace, or
	// storage.ErrNotFound when the namespace has none.
	Latest(ctx context.Context, threadID, namespace string) (*Snapshot, error)

	// Get returns one snapshot by ID.
	Get(ctx context.Context, threadID, namespace, checkpointID string) (*Snapshot, error)

	// History lists snapshots newest first. A non-empty beforeID anchors
	// the page strictly before that checkpoint.
	History(ctx context.Context, threadID, namespace string, limit int, beforeID string) ([]*Snapshot, error)

	// LatestNamespace returns the namespace of the thread's most recent
	// snapshot across all namespaces. Resolves reads that omit an
	// explicit namespace.
	LatestNamespace(ctx context.Context, threadID string) (string, error)

	// DeleteThread removes every snapshot of the thread.
	DeleteThread(ctx context.Context, threadID string) error

	// DeleteRun removes the snapshots a single run wrote.
	DeleteRun(ctx context.Context, threadID, namespace, runID string) error

	// DeleteOlderThan reaps snapshots created before cutoff, always
	// keeping the newest snapshot of each namespace so threads stay
	// resumable.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Session is a Saver bound to one underlying connection. Close releases it;
// sessions are not safe for concurrent use.
type Session interface {
	Saver
	Close() error
}

// Checkpointer hands out sessions. The Postgres implementation checks a
// dedicated connection out of the pool per session; callers hold one for
// the duration of a request or run and release it on every exit path.
type Checkpointer interface {
	Session(ctx context.Context) (Session, error)
}
