// Package events delivers run stream events to subscribers, locally and
// across pods via PostgreSQL NOTIFY/LISTEN.
//
// Two delivery classes exist:
//
//   - Persistent events (metadata, values, updates, error, end) are written
//     to the events table and broadcast via NOTIFY in one transaction. They
//     survive reconnects: a subscriber replays them from the table by row ID.
//
//   - Transient events (message deltas) are broadcast only. A reconnecting
//     client misses deltas emitted while it was away, but the next values
//     event restores the full state, so nothing is lost that matters.
//
// The executing request's own SSE response never rides this bus; it consumes
// the engine's generator directly. The bus serves everyone else: reconnect
// streams, join waiters and subscribers on other pods.
package events

import (
	"encoding/json"
	"fmt"
)

// RunChannel returns the NOTIFY channel name carrying a run's events.
func RunChannel(runID string) string {
	return "run:" + runID
}

// Frame is one stream event as delivered to subscribers: the SSE event name
// plus its JSON payload. ID is the events table row ID for persistent
// frames and zero for transient ones; subscribers dedupe replays by it.
type Frame struct {
	ID    int64           `json:"db_event_id,omitempty"`
	RunID string          `json:"run_id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Persistent reports whether an event name belongs to the persisted class.
// Message deltas (and their sub-graph namespaced variants) are transient;
// everything else survives in the events table.
func Persistent(eventName string) bool {
	if eventName == "messages" {
		return false
	}
	// Sub-graph deltas arrive as "messages|<namespace>".
	if len(eventName) > 9 && eventName[:9] == "messages|" {
		return false
	}
	return true
}

// Terminal reports whether a frame ends its run's stream. Subscribers close
// after delivering one.
func Terminal(eventName string) bool {
	return eventName == "end"
}

// maxNotifyPayload keeps NOTIFY payloads under PostgreSQL's 8000-byte limit
// with headroom for quoting overhead.
const maxNotifyPayload = 7900

// notifyEnvelope is the JSON carried on the NOTIFY wire.
type notifyEnvelope struct {
	RunID     string          `json:"run_id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	DBEventID int64           `json:"db_event_id,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// encodeNotify marshals a frame for NOTIFY delivery. Oversized payloads
// collapse to a truncation envelope carrying only the routing fields; the
// receiving pod re-fetches the body from the events table by row ID.
func encodeNotify(frame Frame) (string, error) {
	env := notifyEnvelope{
		RunID:     frame.RunID,
		Event:     frame.Event,
		Data:      frame.Data,
		DBEventID: frame.ID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notify payload: %w", err)
	}
	if len(payload) <= maxNotifyPayload {
		return string(payload), nil
	}

	truncated, err := json.Marshal(notifyEnvelope{
		RunID:     frame.RunID,
		Event:     frame.Event,
		DBEventID: frame.ID,
		Truncated: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated notify payload: %w", err)
	}
	return string(truncated), nil
}

// decodeNotify parses a NOTIFY payload back into a frame. The second return
// reports whether the body was truncated away and must be re-fetched.
func decodeNotify(payload []byte) (Frame, bool, error) {
	var env notifyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Frame{}, false, fmt.Errorf("failed to decode notify payload: %w", err)
	}
	return Frame{
		ID:    env.DBEventID,
		RunID: env.RunID,
		Event: env.Event,
		Data:  env.Data,
	}, env.Truncated, nil
}
