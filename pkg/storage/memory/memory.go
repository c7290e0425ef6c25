// Package memory provides the in-memory storage backend. It backs dev mode
// and tests; semantics mirror the Postgres backend including owner scoping
// and prefix search.
package memory

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// Store holds every repository behind one mutex-guarded handle.
type Store struct {
	mu         sync.RWMutex
	assistants map[string]*models.Assistant
	threads    map[string]*models.Thread
	runs       map[string]*models.Run
	items      map[string]map[string]map[string]*models.StoreItem // owner -> joined ns -> key
	crons      map[string]*models.Cron
	events     []*models.Event
	nextEvent  int64
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		assistants: make(map[string]*models.Assistant),
		threads:    make(map[string]*models.Thread),
		runs:       make(map[string]*models.Run),
		items:      make(map[string]map[string]map[string]*models.StoreItem),
		crons:      make(map[string]*models.Cron),
		nextEvent:  1,
	}
}

func (s *Store) Assistants() storage.AssistantRepository { return (*assistantRepo)(s) }
func (s *Store) Threads() storage.ThreadRepository       { return (*threadRepo)(s) }
func (s *Store) Runs() storage.RunRepository             { return (*runRepo)(s) }
func (s *Store) Items() storage.StoreRepository          { return (*itemRepo)(s) }
func (s *Store) Crons() storage.CronRepository           { return (*cronRepo)(s) }
func (s *Store) Events() storage.EventRepository         { return (*eventRepo)(s) }

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// metadataMatches reports whether every filter entry equals the
// corresponding metadata entry.
func metadataMatches(meta map[string]any, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// paginate applies limit/offset with the shared defaults.
func paginate[T any](all []T, limit, offset int) []T {
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	if limit > storage.MaxSearchLimit {
		limit = storage.MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []T{}
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

// ────────────────────────────────────────────────────────────
// Assistants
// ────────────────────────────────────────────────────────────

type assistantRepo Store

func (r *assistantRepo) Create(_ context.Context, assistant *models.Assistant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assistants[assistant.AssistantID]; ok {
		return storage.ErrAlreadyExists
	}
	now := time.Now().UTC()
	assistant.CreatedAt = now
	assistant.UpdatedAt = now
	cp := *assistant
	r.assistants[assistant.AssistantID] = &cp
	return nil
}

func (r *assistantRepo) Get(_ context.Context, owner, assistantID string) (*models.Assistant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assistants[assistantID]
	if !ok || !ownerVisible(a.Owner, owner) {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *assistantRepo) Update(_ context.Context, assistant *models.Assistant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.assistants[assistant.AssistantID]
	if !ok || existing.Owner != assistant.Owner {
		return storage.ErrNotFound
	}
	assistant.CreatedAt = existing.CreatedAt
	assistant.UpdatedAt = time.Now().UTC()
	cp := *assistant
	r.assistants[assistant.AssistantID] = &cp
	return nil
}

func (r *assistantRepo) Delete(_ context.Context, owner, assistantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assistants[assistantID]
	if !ok || a.Owner != owner {
		return storage.ErrNotFound
	}
	delete(r.assistants, assistantID)
	return nil
}

func (r *assistantRepo) Search(_ context.Context, owner string, req models.SearchAssistantsRequest) ([]*models.Assistant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.match(owner, req)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, req.Limit, req.Offset), nil
}

func (r *assistantRepo) Count(_ context.Context, owner string, req models.SearchAssistantsRequest) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.match(owner, req)), nil
}

func (r *assistantRepo) match(owner string, req models.SearchAssistantsRequest) []*models.Assistant {
	matched := []*models.Assistant{}
	for _, a := range r.assistants {
		if !ownerVisible(a.Owner, owner) {
			continue
		}
		if req.GraphID != "" && a.GraphID != req.GraphID {
			continue
		}
		if !metadataMatches(a.Metadata, req.Metadata) {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}
	return matched
}

// ownerVisible implements read visibility: owners see their own rows, and
// everyone sees catalog assistants owned by "system".
func ownerVisible(rowOwner, caller string) bool {
	return rowOwner == caller || rowOwner == models.OwnerSystem
}

// ────────────────────────────────────────────────────────────
// Threads
// ────────────────────────────────────────────────────────────

type threadRepo Store

func (r *threadRepo) Create(_ context.Context, thread *models.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.threads[thread.ThreadID]; ok {
		return storage.ErrAlreadyExists
	}
	now := time.Now().UTC()
	thread.CreatedAt = now
	thread.UpdatedAt = now
	if thread.Status == "" {
		thread.Status = models.ThreadStatusIdle
	}
	cp := *thread
	r.threads[thread.ThreadID] = &cp
	return nil
}

func (r *threadRepo) Get(_ context.Context, owner, threadID string) (*models.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.threads[threadID]
	if !ok || t.Owner != owner {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *threadRepo) GetAny(_ context.Context, threadID string) (*models.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.threads[threadID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *threadRepo) Update(_ context.Context, thread *models.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.threads[thread.ThreadID]
	if !ok || existing.Owner != thread.Owner {
		return storage.ErrNotFound
	}
	thread.CreatedAt = existing.CreatedAt
	thread.UpdatedAt = time.Now().UTC()
	cp := *thread
	r.threads[thread.ThreadID] = &cp
	return nil
}

func (r *threadRepo) Delete(_ context.Context, owner, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[threadID]
	if !ok || t.Owner != owner {
		return storage.ErrNotFound
	}
	delete(r.threads, threadID)
	for id, run := range r.runs {
		if run.ThreadID == threadID {
			delete(r.runs, id)
		}
	}
	return nil
}

func (r *threadRepo) Search(_ context.Context, owner string, req models.SearchThreadsRequest) ([]*models.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.match(owner, req)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, req.Limit, req.Offset), nil
}

func (r *threadRepo) Count(_ context.Context, owner string, req models.SearchThreadsRequest) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.match(owner, req)), nil
}

func (r *threadRepo) match(owner string, req models.SearchThreadsRequest) []*models.Thread {
	matched := []*models.Thread{}
	for _, t := range r.threads {
		if t.Owner != owner {
			continue
		}
		if req.Status != "" && t.Status != req.Status {
			continue
		}
		if !metadataMatches(t.Metadata, req.Metadata) {
			continue
		}
		if !metadataMatches(t.Values, req.Values) {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	return matched
}

func (r *threadRepo) SetStatus(_ context.Context, threadID string, status models.ThreadStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[threadID]
	if !ok {
		return storage.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *threadRepo) SetValues(_ context.Context, threadID string, values map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[threadID]
	if !ok {
		return storage.ErrNotFound
	}
	t.Values = values
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ────────────────────────────────────────────────────────────
// Runs
// ────────────────────────────────────────────────────────────

type runRepo Store

func (r *runRepo) Create(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.RunID]; ok {
		return storage.ErrAlreadyExists
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	cp := *run
	r.runs[run.RunID] = &cp
	return nil
}

func (r *runRepo) Get(_ context.Context, owner, threadID, runID string) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok || run.Owner != owner || run.ThreadID != threadID {
		return nil, storage.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *runRepo) Update(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.runs[run.RunID]
	if !ok {
		return storage.ErrNotFound
	}
	run.CreatedAt = existing.CreatedAt
	run.UpdatedAt = time.Now().UTC()
	cp := *run
	r.runs[run.RunID] = &cp
	return nil
}

func (r *runRepo) Delete(_ context.Context, owner, threadID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok || run.Owner != owner || run.ThreadID != threadID {
		return storage.ErrNotFound
	}
	delete(r.runs, runID)
	return nil
}

func (r *runRepo) List(_ context.Context, owner, threadID string, limit, offset int) ([]*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []*models.Run{}
	for _, run := range r.runs {
		if run.Owner != owner || run.ThreadID != threadID {
			continue
		}
		cp := *run
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, limit, offset), nil
}

func (r *runRepo) GetActive(_ context.Context, threadID string) (*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active *models.Run
	for _, run := range r.runs {
		if run.ThreadID != threadID || run.Status.Terminal() {
			continue
		}
		if active == nil || run.CreatedAt.After(active.CreatedAt) {
			active = run
		}
	}
	if active == nil {
		return nil, storage.ErrNotFound
	}
	cp := *active
	return &cp, nil
}

func (r *runRepo) SetStatus(_ context.Context, runID string, status models.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return storage.ErrNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *runRepo) ListNonTerminal(_ context.Context) ([]*models.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []*models.Run{}
	for _, run := range r.runs {
		if run.Status.Terminal() {
			continue
		}
		cp := *run
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}
