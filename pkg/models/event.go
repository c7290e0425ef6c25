package models

import "time"

// Event is one persisted run event row. Message deltas are never persisted;
// everything else (lifecycle, values, updates) lands here and is replayable
// by id for reconnecting clients.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventsResponse contains the list of events since a given ID
type EventsResponse struct {
	Events []*Event `json:"events"`
}
