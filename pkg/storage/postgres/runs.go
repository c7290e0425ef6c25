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

type runRepo Store

const runColumns = `run_id, thread_id, assistant_id, owner, status, metadata, kwargs, multitask_strategy, created_at, updated_at`

func scanRun(row interface{ Scan(dest ...any) error }) (*models.Run, error) {
	var (
		run          models.Run
		metadataJSON []byte
		kwargsJSON   []byte
	)
	if err := row.Scan(&run.RunID, &run.ThreadID, &run.AssistantID, &run.Owner, &run.Status,
		&metadataJSON, &kwargsJSON, &run.MultitaskStrategy, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}

	if err := unmarshalMap(metadataJSON, &run.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode run metadata: %w", err)
	}
	if err := unmarshalMap(kwargsJSON, &run.Kwargs); err != nil {
		return nil, fmt.Errorf("failed to decode run kwargs: %w", err)
	}
	return &run, nil
}

func (r *runRepo) Create(ctx context.Context, run *models.Run) error {
	metadataJSON, err := marshalMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}
	kwargsJSON, err := marshalMap(run.Kwargs)
	if err != nil {
		return fmt.Errorf("failed to encode run kwargs: %w", err)
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.RunID, run.ThreadID, run.AssistantID, run.Owner, run.Status,
		metadataJSON, kwargsJSON, run.MultitaskStrategy, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		// Thread gone between admission and insert
		if isForeignKeyViolation(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (r *runRepo) Get(ctx context.Context, owner, threadID, runID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE run_id = $1 AND thread_id = $2 AND (owner = $3 OR owner = $4)`,
		runID, threadID, owner, models.OwnerSystem)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *runRepo) Update(ctx context.Context, run *models.Run) error {
	metadataJSON, err := marshalMap(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}
	kwargsJSON, err := marshalMap(run.Kwargs)
	if err != nil {
		return fmt.Errorf("failed to encode run kwargs: %w", err)
	}

	run.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, metadata = $2, kwargs = $3, multitask_strategy = $4, updated_at = $5
		WHERE run_id = $6`,
		run.Status, metadataJSON, kwargsJSON, run.MultitaskStrategy, run.UpdatedAt, run.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *runRepo) Delete(ctx context.Context, owner, threadID, runID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM runs WHERE run_id = $1 AND thread_id = $2 AND owner = $3`,
		runID, threadID, owner)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *runRepo) List(ctx context.Context, owner, threadID string, limit, offset int) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE thread_id = $1 AND (owner = $2 OR owner = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		threadID, owner, models.OwnerSystem, clampLimit(limit), clampOffset(offset))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	result := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

func (r *runRepo) GetActive(ctx context.Context, threadID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE thread_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, threadID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

func (r *runRepo) SetStatus(ctx context.Context, runID string, status models.RunStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE run_id = $3`,
		status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *runRepo) ListNonTerminal(ctx context.Context) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal runs: %w", err)
	}
	defer rows.Close()

	result := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
