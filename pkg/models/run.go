package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus tracks a run through its lifecycle.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusSuccess     RunStatus = "success"
	RunStatusError       RunStatus = "error"
	RunStatusTimeout     RunStatus = "timeout"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Terminal reports whether the status is final (no further transitions).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusError, RunStatusTimeout, RunStatusInterrupted:
		return true
	}
	return false
}

// MultitaskStrategy decides what happens when a run is created on a thread
// that already has a non-terminal run.
type MultitaskStrategy string

const (
	MultitaskReject    MultitaskStrategy = "reject"
	MultitaskInterrupt MultitaskStrategy = "interrupt"
	MultitaskRollback  MultitaskStrategy = "rollback"
	MultitaskEnqueue   MultitaskStrategy = "enqueue"
)

// Valid reports whether s is a recognized strategy.
func (s MultitaskStrategy) Valid() bool {
	switch s {
	case MultitaskReject, MultitaskInterrupt, MultitaskRollback, MultitaskEnqueue:
		return true
	}
	return false
}

// OnCompletion values for stateless runs on ephemeral threads.
const (
	OnCompletionDelete = "delete"
	OnCompletionKeep   = "keep"
)

// IfNotExists values for run creation against a missing thread.
const (
	IfNotExistsReject = "reject"
	IfNotExistsCreate = "create"
)

// Run is one execution of an assistant's graph against a thread.
type Run struct {
	RunID             string            `json:"run_id"`
	ThreadID          string            `json:"thread_id"`
	AssistantID       string            `json:"assistant_id"`
	Status            RunStatus         `json:"status"`
	Metadata          map[string]any    `json:"metadata"`
	Kwargs            map[string]any    `json:"kwargs"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	Owner string `json:"-"`
}

// CreateRunRequest contains fields for creating a run
type CreateRunRequest struct {
	AssistantID       string            `json:"assistant_id"`
	Input             map[string]any    `json:"input,omitempty"`
	Command           map[string]any    `json:"command,omitempty"` // resume payload for interrupted graphs
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Config            *RunnableConfig   `json:"config,omitempty"`
	StreamMode        StringOrSlice     `json:"stream_mode,omitempty"`
	MultitaskStrategy MultitaskStrategy `json:"multitask_strategy,omitempty"`
	OnCompletion      string            `json:"on_completion,omitempty"`
	IfNotExists       string            `json:"if_not_exists,omitempty"`
	Webhook           string            `json:"webhook,omitempty"`
	AfterSeconds      int               `json:"after_seconds,omitempty"`
}

// Kwargs flattens the request into the persisted kwargs map so a run row
// records everything needed to replay or inspect the submission.
func (r *CreateRunRequest) RunKwargs() map[string]any {
	kwargs := map[string]any{}
	if r.Input != nil {
		kwargs["input"] = r.Input
	}
	if r.Command != nil {
		kwargs["command"] = r.Command
	}
	if r.Config != nil {
		kwargs["config"] = r.Config
	}
	if len(r.StreamMode) > 0 {
		kwargs["stream_mode"] = []string(r.StreamMode)
	}
	if r.OnCompletion != "" {
		kwargs["on_completion"] = r.OnCompletion
	}
	if r.Webhook != "" {
		kwargs["webhook"] = r.Webhook
	}
	if r.AfterSeconds > 0 {
		kwargs["after_seconds"] = r.AfterSeconds
	}
	return kwargs
}

// StringOrSlice accepts either a bare JSON string or an array of strings.
// Clients send stream_mode both ways.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrSlice{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*s = StringOrSlice(many)
	return nil
}

func (s StringOrSlice) Contains(v string) bool {
	for _, m := range s {
		if m == v {
			return true
		}
	}
	return false
}
