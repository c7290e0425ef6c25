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

type itemRepo Store

func scanItem(row interface{ Scan(dest ...any) error }) (*models.StoreItem, error) {
	var (
		item      models.StoreItem
		joined    string
		valueJSON []byte
		expiresAt sql.NullTime
	)
	if err := row.Scan(&item.Owner, &joined, &item.Key, &valueJSON,
		&item.CreatedAt, &item.UpdatedAt, &expiresAt); err != nil {
		return nil, err
	}

	item.Namespace = storage.SplitNamespace(joined)
	if err := unmarshalMap(valueJSON, &item.Value); err != nil {
		return nil, fmt.Errorf("failed to decode store item value: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		item.ExpiresAt = &t
	}
	return &item, nil
}

// Put inserts or replaces an item. An upsert over a live row keeps the
// original created_at; overwriting an expired row starts fresh.
func (r *itemRepo) Put(ctx context.Context, item *models.StoreItem) error {
	valueJSON, err := marshalMap(item.Value)
	if err != nil {
		return fmt.Errorf("failed to encode store item value: %w", err)
	}

	now := time.Now().UTC()
	var expiresAt any
	if item.ExpiresAt != nil {
		expiresAt = item.ExpiresAt.UTC()
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO store_items (owner, namespace, key, value, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (owner, namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at,
			created_at = CASE
				WHEN store_items.expires_at IS NOT NULL AND store_items.expires_at <= EXCLUDED.updated_at
				THEN EXCLUDED.created_at
				ELSE store_items.created_at
			END
		RETURNING created_at, updated_at`,
		item.Owner, storage.JoinNamespace(item.Namespace), item.Key, valueJSON, now, expiresAt)

	if err := row.Scan(&item.CreatedAt, &item.UpdatedAt); err != nil {
		return fmt.Errorf("failed to put store item: %w", err)
	}
	return nil
}

func (r *itemRepo) Get(ctx context.Context, owner string, namespace []string, key string) (*models.StoreItem, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT owner, namespace, key, value, created_at, updated_at, expires_at
		FROM store_items
		WHERE owner = $1 AND namespace = $2 AND key = $3
			AND (expires_at IS NULL OR expires_at > $4)`,
		owner, storage.JoinNamespace(namespace), key, time.Now().UTC())

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get store item: %w", err)
	}
	return item, nil
}

func (r *itemRepo) Delete(ctx context.Context, owner string, namespace []string, key string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM store_items
		WHERE owner = $1 AND namespace = $2 AND key = $3
			AND (expires_at IS NULL OR expires_at > $4)`,
		owner, storage.JoinNamespace(namespace), key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to delete store item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *itemRepo) Search(ctx context.Context, owner string, prefix []string, filter map[string]any, limit, offset int) ([]*models.StoreItem, error) {
	conds := []string{"owner = $1", "(expires_at IS NULL OR expires_at > $2)"}
	args := []any{owner, time.Now().UTC()}

	if len(prefix) > 0 {
		joined := storage.JoinNamespace(prefix)
		args = append(args, joined)
		exactPos := len(args)
		args = append(args, likeEscape(joined)+"/%")
		likePos := len(args)
		conds = append(conds, fmt.Sprintf("(namespace = $%d OR namespace LIKE $%d)", exactPos, likePos))
	}
	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value filter: %w", err)
		}
		args = append(args, filterJSON)
		conds = append(conds, fmt.Sprintf("value @> $%d", len(args)))
	}

	args = append(args, clampLimit(limit))
	limitPos := len(args)
	args = append(args, clampOffset(offset))
	offsetPos := len(args)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT owner, namespace, key, value, created_at, updated_at, expires_at
		FROM store_items
		WHERE %s
		ORDER BY namespace, key
		LIMIT $%d OFFSET $%d`, strings.Join(conds, " AND "), limitPos, offsetPos), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search store items: %w", err)
	}
	defer rows.Close()

	result := []*models.StoreItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan store item: %w", err)
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (r *itemRepo) ListNamespaces(ctx context.Context, owner string, opts storage.ListNamespacesOptions) ([][]string, error) {
	conds := []string{"owner = $1", "(expires_at IS NULL OR expires_at > $2)"}
	args := []any{owner, time.Now().UTC()}

	if len(opts.Prefix) > 0 {
		joined := storage.JoinNamespace(opts.Prefix)
		args = append(args, joined)
		exactPos := len(args)
		args = append(args, likeEscape(joined)+"/%")
		likePos := len(args)
		conds = append(conds, fmt.Sprintf("(namespace = $%d OR namespace LIKE $%d)", exactPos, likePos))
	}
	if len(opts.Suffix) > 0 {
		joined := storage.JoinNamespace(opts.Suffix)
		args = append(args, joined)
		exactPos := len(args)
		args = append(args, "%/"+likeEscape(joined))
		likePos := len(args)
		conds = append(conds, fmt.Sprintf("(namespace = $%d OR namespace LIKE $%d)", exactPos, likePos))
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT namespace FROM store_items
		WHERE %s
		ORDER BY namespace`, strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	// MaxDepth truncation collapses deeper namespaces onto their ancestor,
	// so dedupe after truncating.
	seen := map[string]bool{}
	namespaces := [][]string{}
	for rows.Next() {
		var joined string
		if err := rows.Scan(&joined); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		parts := storage.SplitNamespace(joined)
		if opts.MaxDepth > 0 && len(parts) > opts.MaxDepth {
			parts = parts[:opts.MaxDepth]
		}
		key := storage.JoinNamespace(parts)
		if seen[key] {
			continue
		}
		seen[key] = true
		namespaces = append(namespaces, parts)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	limit := clampLimit(opts.Limit)
	offset := clampOffset(opts.Offset)
	if offset >= len(namespaces) {
		return [][]string{}, nil
	}
	end := offset + limit
	if end > len(namespaces) {
		end = len(namespaces)
	}
	return namespaces[offset:end], nil
}

func (r *itemRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM store_items WHERE expires_at IS NOT NULL AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired store items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
