// Package cron runs scheduled assistant invocations in-process. Each
// stored cron owns one timer; fires submit runs through the engine as the
// cron's owner and reschedule or self-delete afterwards.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/storage"
)

// settleTimeout bounds the post-fire bookkeeping (reschedule or delete)
// that must land even when the scheduler is shutting down.
const settleTimeout = 10 * time.Second

// Scheduler arms one timer per stored cron. Mutations reach it through
// Rearm, wired to the cron service's OnChange hook; there is no polling.
type Scheduler struct {
	store  storage.Store
	engine *engine.Engine
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the stored crons.
func NewScheduler(store storage.Store, eng *engine.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		engine: eng,
		logger: logger,
		timers: map[string]*time.Timer{},
	}
}

// Start arms a timer for every stored cron, across all owners. Crons
// whose end time already passed are deleted instead of armed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	crons, err := s.store.Crons().ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list crons: %w", err)
	}
	armed := 0
	s.mu.Lock()
	for _, c := range crons {
		if s.armLocked(c) {
			armed++
		}
	}
	s.mu.Unlock()
	s.logger.Info("Cron scheduler started", "crons", armed)
	return nil
}

// Stop disarms every timer, interrupts in-flight fires and waits for
// their bookkeeping to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Cron scheduler stopped")
}

// Rearm reconciles timers against the stored crons: new crons are armed,
// deleted ones disarmed. Schedules are immutable after creation, so an
// existing timer is never reset.
func (s *Scheduler) Rearm() {
	s.mu.Lock()
	if s.stopped || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	crons, err := s.store.Crons().ListAll(ctx)
	if err != nil {
		s.logger.Error("Failed to reload crons", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	seen := make(map[string]bool, len(crons))
	for _, c := range crons {
		seen[c.CronID] = true
		if _, ok := s.timers[c.CronID]; !ok {
			s.armLocked(c)
		}
	}
	for id, t := range s.timers {
		if !seen[id] {
			t.Stop()
			delete(s.timers, id)
		}
	}
}

// ArmedCount reports how many timers are currently armed.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// armLocked schedules the cron's next fire. Caller holds s.mu. A fire
// time missed while the process was down is skipped, not replayed.
func (s *Scheduler) armLocked(c *models.Cron) bool {
	now := time.Now().UTC()
	if c.EndTime != nil && !c.EndTime.After(now) {
		s.deleteCron(c, "end time passed")
		return false
	}
	next, err := s.nextFire(c, now)
	if err != nil {
		s.logger.Error("Cron has an unparseable schedule, not arming",
			"cron_id", c.CronID, "schedule", c.Schedule, "error", err)
		return false
	}
	cron := *c
	s.timers[c.CronID] = time.AfterFunc(time.Until(next), func() {
		s.fire(&cron)
	})
	return true
}

// nextFire prefers the stored next_run_date when it is still ahead;
// otherwise the schedule computes a fresh one from now.
func (s *Scheduler) nextFire(c *models.Cron, now time.Time) (time.Time, error) {
	if c.NextRunDate != nil && c.NextRunDate.After(now) {
		return *c.NextRunDate, nil
	}
	schedule, err := services.ParseSchedule(c.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(now)
	if c.NextRunDate != nil && !c.NextRunDate.After(now) {
		s.logger.Warn("Cron fire time already passed, skipping to next",
			"cron_id", c.CronID, "missed", c.NextRunDate, "next", next)
	}
	return next, nil
}

// fire submits one scheduled run in wait mode and settles the cron
// afterwards. Runs on the timer's goroutine.
func (s *Scheduler) fire(c *models.Cron) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := s.ctx
	// The row may have been deleted between arm and fire.
	current, err := s.store.Crons().Get(ctx, c.Owner, c.CronID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("Failed to load cron before fire", "cron_id", c.CronID, "error", err)
		}
		return
	}
	c = current

	s.logger.Info("Cron fired",
		"cron_id", c.CronID,
		"assistant_id", c.AssistantID,
		"thread_id", c.ThreadID)

	req := runRequest(c)
	var x *engine.Execution
	if c.ThreadID != "" {
		x, err = s.engine.Prepare(ctx, c.Owner, c.ThreadID, req)
	} else {
		x, err = s.engine.PrepareStateless(ctx, c.Owner, req)
	}
	if err != nil {
		// A busy thread or a deleted assistant should not kill the cron;
		// it settles per policy and tries again next fire.
		s.logger.Error("Cron run admission failed", "cron_id", c.CronID, "error", err)
		s.settle(c)
		return
	}
	if _, err := x.Wait(ctx); err != nil {
		s.logger.Warn("Cron run finished with error",
			"cron_id", c.CronID, "run_id", x.Run.RunID, "error", err)
	}
	s.settle(c)
}

// settle reschedules or deletes the cron after a fire, per
// on_run_completed and end_time. Uses a fresh context so shutdown cannot
// lose the bookkeeping.
func (s *Scheduler) settle(c *models.Cron) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, c.CronID)

	if c.OnRunCompleted == models.OnRunCompletedDelete {
		s.deleteCronCtx(ctx, c, "run completed")
		return
	}
	now := time.Now().UTC()
	schedule, err := services.ParseSchedule(c.Schedule)
	if err != nil {
		s.logger.Error("Cron has an unparseable schedule, removing",
			"cron_id", c.CronID, "schedule", c.Schedule, "error", err)
		s.deleteCronCtx(ctx, c, "unparseable schedule")
		return
	}
	next := schedule.Next(now)
	if c.EndTime != nil && next.After(*c.EndTime) {
		s.deleteCronCtx(ctx, c, "end time reached")
		return
	}
	c.NextRunDate = &next
	if err := s.store.Crons().Update(ctx, c); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("Failed to persist cron next fire time", "cron_id", c.CronID, "error", err)
	}
	if s.stopped {
		return
	}
	cron := *c
	s.timers[c.CronID] = time.AfterFunc(time.Until(next), func() {
		s.fire(&cron)
	})
}

// deleteCron removes the cron row and logs why. Caller holds s.mu.
func (s *Scheduler) deleteCron(c *models.Cron, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	s.deleteCronCtx(ctx, c, reason)
}

func (s *Scheduler) deleteCronCtx(ctx context.Context, c *models.Cron, reason string) {
	if err := s.store.Crons().Delete(ctx, c.Owner, c.CronID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("Failed to delete finished cron", "cron_id", c.CronID, "error", err)
		return
	}
	if t, ok := s.timers[c.CronID]; ok {
		t.Stop()
		delete(s.timers, c.CronID)
	}
	s.logger.Info("Cron removed", "cron_id", c.CronID, "reason", reason)
}

// runRequest shapes the persisted payload into a run submission. The
// payload's config survives a JSON round trip through Postgres as a
// plain map; both forms are accepted.
func runRequest(c *models.Cron) *models.CreateRunRequest {
	req := &models.CreateRunRequest{
		AssistantID: c.AssistantID,
		Metadata:    map[string]any{"cron_id": c.CronID},
	}
	if input, ok := c.Payload["input"].(map[string]any); ok {
		req.Input = input
	}
	switch cfg := c.Payload["config"].(type) {
	case *models.RunnableConfig:
		req.Config = cfg
	case map[string]any:
		data, err := json.Marshal(cfg)
		if err != nil {
			break
		}
		var rc models.RunnableConfig
		if err := json.Unmarshal(data, &rc); err == nil {
			req.Config = &rc
		}
	}
	return req
}
