package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/strandlabs/strand/pkg/models"
	"github.com/strandlabs/strand/pkg/storage"
)

type threadRepo Store

const threadColumns = `thread_id, owner, status, metadata, state_values, created_at, updated_at`

func scanThread(row interface{ Scan(dest ...any) error }) (*models.Thread, error) {
	var (
		t            models.Thread
		metadataJSON []byte
		valuesJSON   []byte
	)
	if err := row.Scan(&t.ThreadID, &t.Owner, &t.Status, &metadataJSON, &valuesJSON,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	if err := unmarshalMap(metadataJSON, &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode thread metadata: %w", err)
	}
	if len(valuesJSON) > 0 {
		if err := json.Unmarshal(valuesJSON, &t.Values); err != nil {
			return nil, fmt.Errorf("failed to decode thread values: %w", err)
		}
	}
	return &t, nil
}

func (r *threadRepo) Create(ctx context.Context, thread *models.Thread) error {
	metadataJSON, err := marshalMap(thread.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode thread metadata: %w", err)
	}

	var valuesJSON any
	if thread.Values != nil {
		b, err := json.Marshal(thread.Values)
		if err != nil {
			return fmt.Errorf("failed to encode thread values: %w", err)
		}
		valuesJSON = b
	}

	now := time.Now().UTC()
	thread.CreatedAt = now
	thread.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		thread.ThreadID, thread.Owner, thread.Status, metadataJSON, valuesJSON,
		thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

func (r *threadRepo) Get(ctx context.Context, owner, threadID string) (*models.Thread, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE thread_id = $1 AND (owner = $2 OR owner = $3)`,
		threadID, owner, models.OwnerSystem)

	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

func (r *threadRepo) GetAny(ctx context.Context, threadID string) (*models.Thread, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE thread_id = $1`, threadID)

	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

func (r *threadRepo) Update(ctx context.Context, thread *models.Thread) error {
	metadataJSON, err := marshalMap(thread.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode thread metadata: %w", err)
	}

	var valuesJSON any
	if thread.Values != nil {
		b, err := json.Marshal(thread.Values)
		if err != nil {
			return fmt.Errorf("failed to encode thread values: %w", err)
		}
		valuesJSON = b
	}

	thread.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE threads
		SET status = $1, metadata = $2, state_values = $3, updated_at = $4
		WHERE thread_id = $5 AND owner = $6`,
		thread.Status, metadataJSON, valuesJSON, thread.UpdatedAt, thread.ThreadID, thread.Owner)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *threadRepo) Delete(ctx context.Context, owner, threadID string) error {
	// Runs cascade via the foreign key; checkpoints are cleaned up by the
	// service layer before the row goes away.
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM threads WHERE thread_id = $1 AND owner = $2`,
		threadID, owner)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *threadRepo) Search(ctx context.Context, owner string, req models.SearchThreadsRequest) ([]*models.Thread, error) {
	where, args, err := threadFilters(owner, req)
	if err != nil {
		return nil, err
	}

	args = append(args, clampLimit(req.Limit))
	limitPos := len(args)
	args = append(args, clampOffset(req.Offset))
	offsetPos := len(args)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+threadColumns+` FROM threads
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, limitPos, offsetPos), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search threads: %w", err)
	}
	defer rows.Close()

	result := []*models.Thread{}
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (r *threadRepo) Count(ctx context.Context, owner string, req models.SearchThreadsRequest) (int, error) {
	where, args, err := threadFilters(owner, req)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM threads WHERE %s`, where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return count, nil
}

func (r *threadRepo) SetStatus(ctx context.Context, threadID string, status models.ThreadStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE threads SET status = $1, updated_at = $2 WHERE thread_id = $3`,
		status, time.Now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("failed to set thread status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *threadRepo) SetValues(ctx context.Context, threadID string, values map[string]any) error {
	var valuesJSON any
	if values != nil {
		b, err := json.Marshal(values)
		if err != nil {
			return fmt.Errorf("failed to encode thread values: %w", err)
		}
		valuesJSON = b
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE threads SET state_values = $1, updated_at = $2 WHERE thread_id = $3`,
		valuesJSON, time.Now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("failed to set thread values: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func threadFilters(owner string, req models.SearchThreadsRequest) (string, []any, error) {
	conds := []string{"(owner = $1 OR owner = $2)"}
	args := []any{owner, models.OwnerSystem}

	if req.Status != "" {
		args = append(args, req.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode metadata filter: %w", err)
		}
		args = append(args, metadataJSON)
		conds = append(conds, fmt.Sprintf("metadata @> $%d", len(args)))
	}
	if len(req.Values) > 0 {
		valuesJSON, err := json.Marshal(req.Values)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode values filter: %w", err)
		}
		args = append(args, valuesJSON)
		conds = append(conds, fmt.Sprintf("state_values @> $%d", len(args)))
	}

	return strings.Join(conds, " AND "), args, nil
}
