package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// ThreadService manages thread CRUD plus the checkpoint-backed state and
// history reads.
type ThreadService struct {
	store        storage.Store
	checkpointer checkpoint.Checkpointer
}

// NewThreadService creates a new ThreadService.
func NewThreadService(store storage.Store, checkpointer checkpoint.Checkpointer) *ThreadService {
	return &ThreadService{store: store, checkpointer: checkpointer}
}

// Create creates a thread in status idle.
func (s *ThreadService) Create(ctx context.Context, owner string, req *models.CreateThreadRequest) (*models.Thread, error) {
	ifExists := req.IfExists
	if ifExists == "" {
		ifExists = models.IfExistsRaise
	}
	if ifExists != models.IfExistsRaise && ifExists != models.IfExistsDoNothing {
		return nil, NewValidationError("if_exists", "must be 'raise' or 'do_nothing'")
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	} else if _, err := uuid.Parse(threadID); err != nil {
		return nil, NewValidationError("thread_id", "must be a valid UUID")
	}

	thread := &models.Thread{
		ThreadID: threadID,
		Status:   models.ThreadStatusIdle,
		Metadata: req.Metadata,
		Owner:    owner,
	}
	if thread.Metadata == nil {
		thread.Metadata = map[string]any{}
	}

	err := s.store.Threads().Create(ctx, thread)
	if err == nil {
		return thread, nil
	}
	if storageErr(err) == ErrAlreadyExists && ifExists == models.IfExistsDoNothing {
		existing, getErr := s.store.Threads().Get(ctx, owner, threadID)
		if getErr != nil {
			return nil, storageErr(getErr)
		}
		return existing, nil
	}
	return nil, storageErr(err)
}

// Get returns a thread owned by the caller.
func (s *ThreadService) Get(ctx context.Context, owner, threadID string) (*models.Thread, error) {
	thread, err := s.store.Threads().Get(ctx, owner, threadID)
	if err != nil {
		return nil, storageErr(err)
	}
	return thread, nil
}

// Patch merges metadata into the thread.
func (s *ThreadService) Patch(ctx context.Context, owner, threadID string, req *models.PatchThreadRequest) (*models.Thread, error) {
	thread, err := s.store.Threads().Get(ctx, owner, threadID)
	if err != nil {
		return nil, storageErr(err)
	}
	if req.Metadata != nil {
		if thread.Metadata == nil {
			thread.Metadata = map[string]any{}
		}
		for k, v := range req.Metadata {
			thread.Metadata[k] = v
		}
	}
	if err := s.store.Threads().Update(ctx, thread); err != nil {
		return nil, storageErr(err)
	}
	return thread, nil
}

// Delete removes a thread, its runs and its checkpoints. Refused while a
// run is in flight.
func (s *ThreadService) Delete(ctx context.Context, owner, threadID string) error {
	if _, err := s.store.Threads().Get(ctx, owner, threadID); err != nil {
		return storageErr(err)
	}
	active, err := s.store.Runs().GetActive(ctx, threadID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to check active run: %w", err)
	}
	if active != nil {
		return ErrThreadBusy
	}
	if err := s.store.Threads().Delete(ctx, owner, threadID); err != nil {
		return storageErr(err)
	}
	session, err := s.checkpointer.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint session: %w", err)
	}
	defer session.Close()
	if err := session.DeleteThread(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete thread checkpoints: %w", err)
	}
	return nil
}

// Search lists the caller's threads matching the filter.
func (s *ThreadService) Search(ctx context.Context, owner string, req models.SearchThreadsRequest) ([]*models.Thread, error) {
	threads, err := s.store.Threads().Search(ctx, owner, req)
	if err != nil {
		return nil, storageErr(err)
	}
	return threads, nil
}

// Count returns the number of threads matching the filter, ignoring limit
// and offset.
func (s *ThreadService) Count(ctx context.Context, owner string, req models.SearchThreadsRequest) (int, error) {
	n, err := s.store.Threads().Count(ctx, owner, req)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// State returns the latest checkpointed state of a thread. An empty
// checkpointNS resolves to the namespace of the thread's most recent
// checkpoint; a thread with no checkpoints yet returns an empty state.
func (s *ThreadService) State(ctx context.Context, threadID, checkpointNS string) (*models.ThreadState, error) {
	if _, err := s.store.Threads().GetAny(ctx, threadID); err != nil {
		return nil, storageErr(err)
	}
	session, err := s.checkpointer.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint session: %w", err)
	}
	defer session.Close()

	ns, err := s.resolveNamespace(ctx, session, threadID, checkpointNS)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return emptyState(), nil
		}
		return nil, err
	}
	snap, err := session.Latest(ctx, threadID, ns)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return emptyState(), nil
		}
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return graph.StateFromSnapshot(snap), nil
}

// StateAt returns the state at one specific checkpoint.
func (s *ThreadService) StateAt(ctx context.Context, threadID, checkpointNS, checkpointID string) (*models.ThreadState, error) {
	if _, err := s.store.Threads().GetAny(ctx, threadID); err != nil {
		return nil, storageErr(err)
	}
	session, err := s.checkpointer.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint session: %w", err)
	}
	defer session.Close()

	ns, err := s.resolveNamespace(ctx, session, threadID, checkpointNS)
	if err != nil {
		return nil, storageErr(err)
	}
	snap, err := session.Get(ctx, threadID, ns, checkpointID)
	if err != nil {
		return nil, storageErr(err)
	}
	return graph.StateFromSnapshot(snap), nil
}

// History lists checkpointed states newest first. A non-empty beforeID
// anchors the page strictly before that checkpoint.
func (s *ThreadService) History(ctx context.Context, threadID, checkpointNS string, limit int, beforeID string) ([]*models.ThreadState, error) {
	if limit < 1 {
		return nil, NewValidationError("limit", "must be >= 1")
	}
	limit = checkpoint.ClampHistoryLimit(limit)
	if _, err := s.store.Threads().GetAny(ctx, threadID); err != nil {
		return nil, storageErr(err)
	}
	session, err := s.checkpointer.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint session: %w", err)
	}
	defer session.Close()

	ns, err := s.resolveNamespace(ctx, session, threadID, checkpointNS)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []*models.ThreadState{}, nil
		}
		return nil, err
	}
	snaps, err := session.History(ctx, threadID, ns, limit, beforeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint history: %w", err)
	}
	states := make([]*models.ThreadState, 0, len(snaps))
	for _, snap := range snaps {
		states = append(states, graph.StateFromSnapshot(snap))
	}
	return states, nil
}

func (s *ThreadService) resolveNamespace(ctx context.Context, session checkpoint.Session, threadID, checkpointNS string) (string, error) {
	if checkpointNS != "" {
		return checkpointNS, nil
	}
	ns, err := session.LatestNamespace(ctx, threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to resolve checkpoint namespace: %w", err)
	}
	return ns, nil
}

func emptyState() *models.ThreadState {
	return &models.ThreadState{
		Values: map[string]any{},
		Next:   []string{},
		Tasks:  []models.TaskState{},
	}
}
