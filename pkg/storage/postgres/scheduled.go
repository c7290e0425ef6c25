package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

type cronRepo Store

const cronColumns = `cron_id, assistant_id, thread_id, owner, schedule, payload,
	next_run_date, end_time, on_run_completed, metadata, created_at, updated_at`

func scanCron(row interface{ Scan(dest ...any) error }) (*models.Cron, error) {
	var (
		cron        models.Cron
		threadID    sql.NullString
		payloadJSON []byte
		nextRun     sql.NullTime
		endTime     sql.NullTime
		metaJSON    []byte
	)
	if err := row.Scan(&cron.CronID, &cron.AssistantID, &threadID, &cron.Owner,
		&cron.Schedule, &payloadJSON, &nextRun, &endTime, &cron.OnRunCompleted,
		&metaJSON, &cron.CreatedAt, &cron.UpdatedAt); err != nil {
		return nil, err
	}

	cron.ThreadID = threadID.String
	if err := unmarshalMap(payloadJSON, &cron.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode cron payload: %w", err)
	}
	if err := unmarshalMap(metaJSON, &cron.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode cron metadata: %w", err)
	}
	if nextRun.Valid {
		t := nextRun.Time
		cron.NextRunDate = &t
	}
	if endTime.Valid {
		t := endTime.Time
		cron.EndTime = &t
	}
	return &cron, nil
}

func cronTimes(cron *models.Cron) (threadID, nextRun, endTime any) {
	if cron.ThreadID != "" {
		threadID = cron.ThreadID
	}
	if cron.NextRunDate != nil {
		nextRun = cron.NextRunDate.UTC()
	}
	if cron.EndTime != nil {
		endTime = cron.EndTime.UTC()
	}
	return threadID, nextRun, endTime
}

func (r *cronRepo) Create(ctx context.Context, cron *models.Cron) error {
	payloadJSON, err := marshalMap(cron.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode cron payload: %w", err)
	}
	metaJSON, err := marshalMap(cron.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode cron metadata: %w", err)
	}

	now := time.Now().UTC()
	cron.CreatedAt = now
	cron.UpdatedAt = now
	threadID, nextRun, endTime := cronTimes(cron)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO crons (`+cronColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cron.CronID, cron.AssistantID, threadID, cron.Owner, cron.Schedule,
		payloadJSON, nextRun, endTime, cron.OnRunCompleted, metaJSON,
		cron.CreatedAt, cron.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create cron: %w", err)
	}
	return nil
}

func (r *cronRepo) Get(ctx context.Context, owner, cronID string) (*models.Cron, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+cronColumns+` FROM crons
		WHERE cron_id = $1 AND owner = $2`, cronID, owner)

	cron, err := scanCron(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cron: %w", err)
	}
	return cron, nil
}

func (r *cronRepo) Update(ctx context.Context, cron *models.Cron) error {
	payloadJSON, err := marshalMap(cron.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode cron payload: %w", err)
	}
	metaJSON, err := marshalMap(cron.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode cron metadata: %w", err)
	}

	cron.UpdatedAt = time.Now().UTC()
	threadID, nextRun, endTime := cronTimes(cron)

	res, err := r.db.ExecContext(ctx, `
		UPDATE crons SET
			assistant_id = $2, thread_id = $3, schedule = $4, payload = $5,
			next_run_date = $6, end_time = $7, on_run_completed = $8,
			metadata = $9, updated_at = $10
		WHERE cron_id = $1`,
		cron.CronID, cron.AssistantID, threadID, cron.Schedule, payloadJSON,
		nextRun, endTime, cron.OnRunCompleted, metaJSON, cron.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update cron: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *cronRepo) Delete(ctx context.Context, owner, cronID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM crons WHERE cron_id = $1 AND owner = $2`, cronID, owner)
	if err != nil {
		return fmt.Errorf("failed to delete cron: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func cronFilter(owner string, req models.SearchCronsRequest) (string, []any) {
	where := `owner = $1`
	args := []any{owner}
	if req.AssistantID != "" {
		args = append(args, req.AssistantID)
		where += fmt.Sprintf(` AND assistant_id = $%d`, len(args))
	}
	if req.ThreadID != "" {
		args = append(args, req.ThreadID)
		where += fmt.Sprintf(` AND thread_id = $%d`, len(args))
	}
	return where, args
}

func (r *cronRepo) Search(ctx context.Context, owner string, req models.SearchCronsRequest) ([]*models.Cron, error) {
	where, args := cronFilter(owner, req)
	args = append(args, clampLimit(req.Limit), clampOffset(req.Offset))
	query := fmt.Sprintf(`
		SELECT `+cronColumns+` FROM crons
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search crons: %w", err)
	}
	defer rows.Close()

	return collectCrons(rows)
}

func (r *cronRepo) Count(ctx context.Context, owner string, req models.SearchCronsRequest) (int, error) {
	where, args := cronFilter(owner, req)
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crons WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count crons: %w", err)
	}
	return count, nil
}

// ListAll returns every cron across owners, oldest first. The scheduler
// loads them at startup.
func (r *cronRepo) ListAll(ctx context.Context) ([]*models.Cron, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cronColumns+` FROM crons ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list crons: %w", err)
	}
	defer rows.Close()

	return collectCrons(rows)
}

func collectCrons(rows *sql.Rows) ([]*models.Cron, error) {
	result := []*models.Cron{}
	for rows.Next() {
		cron, err := scanCron(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cron: %w", err)
		}
		result = append(result, cron)
	}
	return result, rows.Err()
}

type eventRepo Store

func (r *eventRepo) Insert(ctx context.Context, event *models.Event) (int64, error) {
	payloadJSON, err := marshalMap(event.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO events (run_id, channel, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.RunID, event.Channel, payloadJSON, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return event.ID, nil
}

func (r *eventRepo) ListSince(ctx context.Context, runID string, sinceID int64, limit int) ([]*models.Event, error) {
	query := `
		SELECT id, run_id, channel, payload, created_at FROM events
		WHERE run_id = $1 AND id > $2
		ORDER BY id`
	args := []any{runID, sinceID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	result := []*models.Event{}
	for rows.Next() {
		var (
			event       models.Event
			payloadJSON []byte
		)
		if err := rows.Scan(&event.ID, &event.RunID, &event.Channel,
			&payloadJSON, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := unmarshalMap(payloadJSON, &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		result = append(result, &event)
	}
	return result, rows.Err()
}

func (r *eventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
