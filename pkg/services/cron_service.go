package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// cronParser accepts standard five-field expressions plus descriptors
// like @hourly. Shared with the scheduler, which parses the same strings.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression and returns its schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// CronService manages cron CRUD. Arming and firing timers is the
// scheduler's job; it watches this service's mutations through the
// OnChange hook.
type CronService struct {
	store storage.Store

	// onChange, when set, runs after every successful create or delete so
	// the scheduler can rearm without polling.
	onChange func()
}

// NewCronService creates a new CronService.
func NewCronService(store storage.Store) *CronService {
	return &CronService{store: store}
}

// OnChange registers a hook invoked after every cron mutation.
func (s *CronService) OnChange(fn func()) {
	s.onChange = fn
}

// Create validates and persists a cron. The referenced assistant must
// exist; a thread_id, when given, must name an existing thread owned by
// the caller. The first fire time comes from the schedule.
func (s *CronService) Create(ctx context.Context, owner string, req *models.CreateCronRequest) (*models.Cron, error) {
	if req.Schedule == "" {
		return nil, NewValidationError("schedule", "required")
	}
	schedule, err := ParseSchedule(req.Schedule)
	if err != nil {
		return nil, NewValidationError("schedule", fmt.Sprintf("invalid cron expression: %v", err))
	}
	if req.AssistantID == "" {
		return nil, NewValidationError("assistant_id", "required")
	}
	if _, err := s.store.Assistants().Get(ctx, owner, req.AssistantID); err != nil {
		return nil, storageErr(err)
	}
	if req.ThreadID != "" {
		if _, err := s.store.Threads().Get(ctx, owner, req.ThreadID); err != nil {
			return nil, storageErr(err)
		}
	}
	onCompleted := req.OnRunCompleted
	if onCompleted == "" {
		onCompleted = models.OnRunCompletedContinue
	}
	if onCompleted != models.OnRunCompletedContinue && onCompleted != models.OnRunCompletedDelete {
		return nil, NewValidationError("on_run_completed", "must be 'continue' or 'delete'")
	}
	now := time.Now().UTC()
	if req.EndTime != nil && !req.EndTime.After(now) {
		return nil, NewValidationError("end_time", "must be in the future")
	}

	payload := map[string]any{
		"assistant_id": req.AssistantID,
	}
	if req.Input != nil {
		payload["input"] = req.Input
	}
	if req.Config != nil {
		payload["config"] = req.Config
	}
	next := schedule.Next(now)

	c := &models.Cron{
		CronID:         uuid.New().String(),
		AssistantID:    req.AssistantID,
		ThreadID:       req.ThreadID,
		Schedule:       req.Schedule,
		Payload:        payload,
		NextRunDate:    &next,
		EndTime:        req.EndTime,
		OnRunCompleted: onCompleted,
		Metadata:       req.Metadata,
		Owner:          owner,
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if err := s.store.Crons().Create(ctx, c); err != nil {
		return nil, storageErr(err)
	}
	s.notifyChange()
	return c, nil
}

// Get returns a cron owned by the caller.
func (s *CronService) Get(ctx context.Context, owner, cronID string) (*models.Cron, error) {
	c, err := s.store.Crons().Get(ctx, owner, cronID)
	if err != nil {
		return nil, storageErr(err)
	}
	return c, nil
}

// Delete removes a cron; the scheduler disarms its timer via OnChange.
func (s *CronService) Delete(ctx context.Context, owner, cronID string) error {
	if err := s.store.Crons().Delete(ctx, owner, cronID); err != nil {
		return storageErr(err)
	}
	s.notifyChange()
	return nil
}

// Search lists the caller's crons matching the filter.
func (s *CronService) Search(ctx context.Context, owner string, req models.SearchCronsRequest) ([]*models.Cron, error) {
	if req.Limit <= 0 {
		req.Limit = storage.DefaultSearchLimit
	}
	if req.Limit > storage.MaxSearchLimit {
		req.Limit = storage.MaxSearchLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	crons, err := s.store.Crons().Search(ctx, owner, req)
	if err != nil {
		return nil, storageErr(err)
	}
	return crons, nil
}

// Count returns the number of crons matching the filter, ignoring limit
// and offset.
func (s *CronService) Count(ctx context.Context, owner string, req models.SearchCronsRequest) (int, error) {
	n, err := s.store.Crons().Count(ctx, owner, req)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

func (s *CronService) notifyChange() {
	if s.onChange != nil {
		s.onChange()
	}
}
