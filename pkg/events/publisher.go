package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

// Publisher persists and transports frames. It does not deliver to local
// subscribers; the Bus handles that, either via the NOTIFY loopback
// (Postgres) or by dispatching directly (memory backend).
type Publisher interface {
	// Publish records a frame and returns its events table row ID, or zero
	// for transient frames.
	Publish(ctx context.Context, frame Frame) (int64, error)
}

// PostgresPublisher writes persistent frames to the events table and fires
// pg_notify in the same transaction, so the insert and the broadcast commit
// atomically. Transient frames are NOTIFY-only.
type PostgresPublisher struct {
	db *sql.DB
}

// NewPostgresPublisher creates a publisher over the shared database handle.
func NewPostgresPublisher(db *sql.DB) *PostgresPublisher {
	return &PostgresPublisher{db: db}
}

func (p *PostgresPublisher) Publish(ctx context.Context, frame Frame) (int64, error) {
	if !Persistent(frame.Event) {
		return 0, p.notifyOnly(ctx, frame)
	}
	return p.persistAndNotify(ctx, frame)
}

// persistAndNotify inserts the event row and broadcasts via NOTIFY in a
// single transaction (pg_notify is transactional — held until COMMIT).
func (p *PostgresPublisher) persistAndNotify(ctx context.Context, frame Frame) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	data := frame.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (run_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		frame.RunID, frame.Event, []byte(data), time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}

	frame.ID = eventID
	notifyPayload, err := encodeNotify(frame)
	if err != nil {
		return 0, err
	}

	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(frame.RunID), notifyPayload); err != nil {
		return 0, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return eventID, nil
}

// notifyOnly broadcasts a frame via NOTIFY without persisting it.
func (p *PostgresPublisher) notifyOnly(ctx context.Context, frame Frame) error {
	notifyPayload, err := encodeNotify(frame)
	if err != nil {
		return err
	}
	if _, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(frame.RunID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// LocalPublisher backs the in-memory store: persistent frames land in the
// event repository and nothing is transported — the Bus dispatches locally
// when no NOTIFY listener is attached.
type LocalPublisher struct {
	events storage.EventRepository
}

// NewLocalPublisher creates a publisher over the event repository.
func NewLocalPublisher(events storage.EventRepository) *LocalPublisher {
	return &LocalPublisher{events: events}
}

func (p *LocalPublisher) Publish(ctx context.Context, frame Frame) (int64, error) {
	if !Persistent(frame.Event) {
		return 0, nil
	}
	event, err := eventFromFrame(frame)
	if err != nil {
		return 0, err
	}
	return p.events.Insert(ctx, event)
}

// eventFromFrame converts a frame to its storage row. Persistent payloads
// are always JSON objects; message tuples never reach here.
func eventFromFrame(frame Frame) (*models.Event, error) {
	payload := map[string]any{}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode frame payload: %w", err)
		}
	}
	return &models.Event{
		RunID:   frame.RunID,
		Channel: frame.Event,
		Payload: payload,
	}, nil
}

// frameFromEvent rebuilds a frame from a persisted event row.
func frameFromEvent(event *models.Event) (Frame, error) {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return Frame{
		ID:    event.ID,
		RunID: event.RunID,
		Event: event.Channel,
		Data:  data,
	}, nil
}
