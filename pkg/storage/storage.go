// Package storage defines the persistence contracts for assistants, threads,
// runs, store items, crons and events. Two backends satisfy them: the
// in-memory one in storage/memory and the Postgres one in storage/postgres.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

var (
	// ErrNotFound is returned when an entity does not exist for the caller.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a create collides with an existing row.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Pagination bounds shared by both backends.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 1000
)

// AssistantRepository persists assistants. Every method except GetAny is
// owner-scoped.
type AssistantRepository interface {
	Create(ctx context.Context, assistant *models.Assistant) error
	Get(ctx context.Context, owner, assistantID string) (*models.Assistant, error)
	Update(ctx context.Context, assistant *models.Assistant) error
	Delete(ctx context.Context, owner, assistantID string) error
	Search(ctx context.Context, owner string, req models.SearchAssistantsRequest) ([]*models.Assistant, error)
	Count(ctx context.Context, owner string, req models.SearchAssistantsRequest) (int, error)
}

// ThreadRepository persists threads. GetAny skips the owner filter; it backs
// the read-only state and history endpoints.
type ThreadRepository interface {
	Create(ctx context.Context, thread *models.Thread) error
	Get(ctx context.Context, owner, threadID string) (*models.Thread, error)
	GetAny(ctx context.Context, threadID string) (*models.Thread, error)
	Update(ctx context.Context, thread *models.Thread) error
	Delete(ctx context.Context, owner, threadID string) error
	Search(ctx context.Context, owner string, req models.SearchThreadsRequest) ([]*models.Thread, error)
	Count(ctx context.Context, owner string, req models.SearchThreadsRequest) (int, error)
	SetStatus(ctx context.Context, threadID string, status models.ThreadStatus) error
	SetValues(ctx context.Context, threadID string, values map[string]any) error
}

// RunRepository persists runs. GetActive returns the most recent
// non-terminal run on a thread, the input to every multitask decision.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, owner, threadID, runID string) (*models.Run, error)
	Update(ctx context.Context, run *models.Run) error
	Delete(ctx context.Context, owner, threadID, runID string) error
	List(ctx context.Context, owner, threadID string, limit, offset int) ([]*models.Run, error)
	GetActive(ctx context.Context, threadID string) (*models.Run, error)
	SetStatus(ctx context.Context, runID string, status models.RunStatus) error
	ListNonTerminal(ctx context.Context) ([]*models.Run, error)
}

// ListNamespacesOptions filters namespace listing.
type ListNamespacesOptions struct {
	Prefix   []string
	Suffix   []string
	MaxDepth int
	Limit    int
	Offset   int
}

// StoreRepository is the user-scoped namespaced KV store. All namespace
// values passing through here are already in canonical list form; callers
// normalize with NormalizeNamespace first.
type StoreRepository interface {
	Put(ctx context.Context, item *models.StoreItem) error
	Get(ctx context.Context, owner string, namespace []string, key string) (*models.StoreItem, error)
	Delete(ctx context.Context, owner string, namespace []string, key string) error
	Search(ctx context.Context, owner string, prefix []string, filter map[string]any, limit, offset int) ([]*models.StoreItem, error)
	ListNamespaces(ctx context.Context, owner string, opts ListNamespacesOptions) ([][]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CronRepository persists scheduled runs. ListAll is unscoped; the
// scheduler uses it to arm timers for every owner at startup.
type CronRepository interface {
	Create(ctx context.Context, cron *models.Cron) error
	Get(ctx context.Context, owner, cronID string) (*models.Cron, error)
	Update(ctx context.Context, cron *models.Cron) error
	Delete(ctx context.Context, owner, cronID string) error
	Search(ctx context.Context, owner string, req models.SearchCronsRequest) ([]*models.Cron, error)
	Count(ctx context.Context, owner string, req models.SearchCronsRequest) (int, error)
	ListAll(ctx context.Context) ([]*models.Cron, error)
}

// EventRepository reads back persisted run events for catch-up after
// reconnect. Inserts happen inside the publisher's transaction on Postgres;
// Insert exists for the in-memory backend and tests.
type EventRepository interface {
	Insert(ctx context.Context, event *models.Event) (int64, error)
	// ListSince returns events for a run with id > sinceID in id order.
	// A limit <= 0 means no cap.
	ListSince(ctx context.Context, runID string, sinceID int64, limit int) ([]*models.Event, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store aggregates the repositories behind one handle.
type Store interface {
	Assistants() AssistantRepository
	Threads() ThreadRepository
	Runs() RunRepository
	Items() StoreRepository
	Crons() CronRepository
	Events() EventRepository
	// Ping probes backend connectivity; the health endpoint calls it.
	Ping(ctx context.Context) error
	Close() error
}
