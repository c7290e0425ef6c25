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

type assistantRepo Store

const assistantColumns = `assistant_id, graph_id, owner, config, metadata, name, description, version, created_at, updated_at`

func marshalConfig(c *models.RunnableConfig) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func scanAssistant(row interface{ Scan(dest ...any) error }) (*models.Assistant, error) {
	var (
		a            models.Assistant
		configJSON   []byte
		metadataJSON []byte
	)
	if err := row.Scan(&a.AssistantID, &a.GraphID, &a.Owner, &configJSON, &metadataJSON,
		&a.Name, &a.Description, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	a.Config = &models.RunnableConfig{}
	if err := json.Unmarshal(configJSON, a.Config); err != nil {
		return nil, fmt.Errorf("failed to decode assistant config: %w", err)
	}
	if err := unmarshalMap(metadataJSON, &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode assistant metadata: %w", err)
	}
	return &a, nil
}

func (r *assistantRepo) Create(ctx context.Context, assistant *models.Assistant) error {
	configJSON, err := marshalConfig(assistant.Config)
	if err != nil {
		return fmt.Errorf("failed to encode assistant config: %w", err)
	}
	metadataJSON, err := marshalMap(assistant.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode assistant metadata: %w", err)
	}

	now := time.Now().UTC()
	assistant.CreatedAt = now
	assistant.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO assistants (`+assistantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		assistant.AssistantID, assistant.GraphID, assistant.Owner, configJSON, metadataJSON,
		assistant.Name, assistant.Description, assistant.Version, assistant.CreatedAt, assistant.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert assistant: %w", err)
	}
	return nil
}

func (r *assistantRepo) Get(ctx context.Context, owner, assistantID string) (*models.Assistant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+assistantColumns+` FROM assistants
		WHERE assistant_id = $1 AND (owner = $2 OR owner = $3)`,
		assistantID, owner, models.OwnerSystem)

	a, err := scanAssistant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assistant: %w", err)
	}
	return a, nil
}

func (r *assistantRepo) Update(ctx context.Context, assistant *models.Assistant) error {
	configJSON, err := marshalConfig(assistant.Config)
	if err != nil {
		return fmt.Errorf("failed to encode assistant config: %w", err)
	}
	metadataJSON, err := marshalMap(assistant.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode assistant metadata: %w", err)
	}

	assistant.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE assistants
		SET graph_id = $1, config = $2, metadata = $3, name = $4, description = $5, version = $6, updated_at = $7
		WHERE assistant_id = $8 AND owner = $9`,
		assistant.GraphID, configJSON, metadataJSON, assistant.Name, assistant.Description,
		assistant.Version, assistant.UpdatedAt, assistant.AssistantID, assistant.Owner)
	if err != nil {
		return fmt.Errorf("failed to update assistant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *assistantRepo) Delete(ctx context.Context, owner, assistantID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM assistants WHERE assistant_id = $1 AND owner = $2`,
		assistantID, owner)
	if err != nil {
		return fmt.Errorf("failed to delete assistant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *assistantRepo) Search(ctx context.Context, owner string, req models.SearchAssistantsRequest) ([]*models.Assistant, error) {
	where, args, err := assistantFilters(owner, req)
	if err != nil {
		return nil, err
	}

	args = append(args, clampLimit(req.Limit))
	limitPos := len(args)
	args = append(args, clampOffset(req.Offset))
	offsetPos := len(args)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT `+assistantColumns+` FROM assistants
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, limitPos, offsetPos), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search assistants: %w", err)
	}
	defer rows.Close()

	result := []*models.Assistant{}
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assistant: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *assistantRepo) Count(ctx context.Context, owner string, req models.SearchAssistantsRequest) (int, error) {
	where, args, err := assistantFilters(owner, req)
	if err != nil {
		return 0, err
	}

	var count int
	err = r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM assistants WHERE %s`, where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assistants: %w", err)
	}
	return count, nil
}

func assistantFilters(owner string, req models.SearchAssistantsRequest) (string, []any, error) {
	conds := []string{"(owner = $1 OR owner = $2)"}
	args := []any{owner, models.OwnerSystem}

	if req.GraphID != "" {
		args = append(args, req.GraphID)
		conds = append(conds, fmt.Sprintf("graph_id = $%d", len(args)))
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode metadata filter: %w", err)
		}
		args = append(args, metadataJSON)
		conds = append(conds, fmt.Sprintf("metadata @> $%d", len(args)))
	}

	return strings.Join(conds, " AND "), args, nil
}
