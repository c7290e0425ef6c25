package models

import "time"

// OnRunCompleted values control what happens to a cron after a fire.
const (
	OnRunCompletedContinue = "continue"
	OnRunCompletedDelete   = "delete"
)

// Cron is a scheduled run submission. Payload holds the run-creation
// fields replayed through the lifecycle engine on every fire.
type Cron struct {
	CronID         string         `json:"cron_id"`
	AssistantID    string         `json:"assistant_id"`
	ThreadID       string         `json:"thread_id,omitempty"` // empty for stateless crons
	Schedule       string         `json:"schedule"`
	Payload        map[string]any `json:"payload"`
	NextRunDate    *time.Time     `json:"next_run_date,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	OnRunCompleted string         `json:"on_run_completed,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	Owner string `json:"-"`
}

// CreateCronRequest contains fields for creating a cron
type CreateCronRequest struct {
	Schedule       string          `json:"schedule"`
	AssistantID    string          `json:"assistant_id"`
	ThreadID       string          `json:"thread_id,omitempty"`
	Input          map[string]any  `json:"input,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Config         *RunnableConfig `json:"config,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	OnRunCompleted string          `json:"on_run_completed,omitempty"`
}

// SearchCronsRequest contains filtering options for listing crons
type SearchCronsRequest struct {
	AssistantID string `json:"assistant_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}
