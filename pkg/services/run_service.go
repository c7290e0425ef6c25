package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// RunService reads and deletes run rows. Creation and cancellation live in
// the engine, which owns admission and the active-run registry.
type RunService struct {
	store storage.Store
}

// NewRunService creates a new RunService.
func NewRunService(store storage.Store) *RunService {
	return &RunService{store: store}
}

// Get returns one run on a thread owned by the caller.
func (s *RunService) Get(ctx context.Context, owner, threadID, runID string) (*models.Run, error) {
	if _, err := s.store.Threads().Get(ctx, owner, threadID); err != nil {
		return nil, storageErr(err)
	}
	run, err := s.store.Runs().Get(ctx, owner, threadID, runID)
	if err != nil {
		return nil, storageErr(err)
	}
	return run, nil
}

// List returns the thread's runs newest first.
func (s *RunService) List(ctx context.Context, owner, threadID string, limit, offset int) ([]*models.Run, error) {
	if _, err := s.store.Threads().Get(ctx, owner, threadID); err != nil {
		return nil, storageErr(err)
	}
	if limit <= 0 {
		limit = storage.DefaultSearchLimit
	}
	if limit > storage.MaxSearchLimit {
		limit = storage.MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	runs, err := s.store.Runs().List(ctx, owner, threadID, limit, offset)
	if err != nil {
		return nil, storageErr(err)
	}
	return runs, nil
}

// Delete removes a run row. Only terminal runs can be deleted; cancel the
// run first if it is still in flight.
func (s *RunService) Delete(ctx context.Context, owner, threadID, runID string) error {
	if _, err := s.store.Threads().Get(ctx, owner, threadID); err != nil {
		return storageErr(err)
	}
	run, err := s.store.Runs().Get(ctx, owner, threadID, runID)
	if err != nil {
		return storageErr(err)
	}
	if !run.Status.Terminal() {
		return ErrRunNotDone
	}
	if err := s.store.Runs().Delete(ctx, owner, threadID, runID); err != nil {
		return storageErr(err)
	}
	return nil
}

// ActiveRun returns the thread's current non-terminal run, or
// ErrNotFound when the thread is idle.
func (s *RunService) ActiveRun(ctx context.Context, owner, threadID string) (*models.Run, error) {
	if _, err := s.store.Threads().Get(ctx, owner, threadID); err != nil {
		return nil, storageErr(err)
	}
	run, err := s.store.Runs().GetActive(ctx, threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up active run: %w", err)
	}
	return run, nil
}
