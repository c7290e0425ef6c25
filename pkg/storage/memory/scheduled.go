package memory

import (
	"context"
	"sort"
	"time"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// ────────────────────────────────────────────────────────────
// Crons
// ────────────────────────────────────────────────────────────

type cronRepo Store

func (r *cronRepo) Create(_ context.Context, cron *models.Cron) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.crons[cron.CronID]; ok {
		return storage.ErrAlreadyExists
	}
	now := time.Now().UTC()
	cron.CreatedAt = now
	cron.UpdatedAt = now
	cp := *cron
	r.crons[cron.CronID] = &cp
	return nil
}

func (r *cronRepo) Get(_ context.Context, owner, cronID string) (*models.Cron, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.crons[cronID]
	if !ok || c.Owner != owner {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *cronRepo) Update(_ context.Context, cron *models.Cron) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.crons[cron.CronID]
	if !ok {
		return storage.ErrNotFound
	}
	cron.CreatedAt = existing.CreatedAt
	cron.UpdatedAt = time.Now().UTC()
	cp := *cron
	r.crons[cron.CronID] = &cp
	return nil
}

func (r *cronRepo) Delete(_ context.Context, owner, cronID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.crons[cronID]
	if !ok || c.Owner != owner {
		return storage.ErrNotFound
	}
	delete(r.crons, cronID)
	return nil
}

func (r *cronRepo) match(owner string, req models.SearchCronsRequest) []*models.Cron {
	matched := []*models.Cron{}
	for _, c := range r.crons {
		if c.Owner != owner {
			continue
		}
		if req.AssistantID != "" && c.AssistantID != req.AssistantID {
			continue
		}
		if req.ThreadID != "" && c.ThreadID != req.ThreadID {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched
}

func (r *cronRepo) Search(_ context.Context, owner string, req models.SearchCronsRequest) ([]*models.Cron, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(r.match(owner, req), req.Limit, req.Offset), nil
}

func (r *cronRepo) Count(_ context.Context, owner string, req models.SearchCronsRequest) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.match(owner, req)), nil
}

func (r *cronRepo) ListAll(_ context.Context) ([]*models.Cron, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*models.Cron, 0, len(r.crons))
	for _, c := range r.crons {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

// ────────────────────────────────────────────────────────────
// Events
// ────────────────────────────────────────────────────────────

type eventRepo Store

func (r *eventRepo) Insert(_ context.Context, event *models.Event) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	event.ID = r.nextEvent
	r.nextEvent++
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	r.events = append(r.events, &cp)
	return event.ID, nil
}

func (r *eventRepo) ListSince(_ context.Context, runID string, sinceID int64, limit int) ([]*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := []*models.Event{}
	for _, e := range r.events {
		if e.RunID != runID || e.ID <= sinceID {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (r *eventRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var deleted int64
	for _, e := range r.events {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return deleted, nil
}
