package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/storage"
)

// PostgresSaver hands out sessions over the checkpoints table. Each session
// owns one connection checked out of the pool, so a run's snapshot writes
// never compete with the repositories for pool capacity.
type PostgresSaver struct {
	db *sql.DB
}

var _ Checkpointer = (*PostgresSaver)(nil)

// NewPostgresSaver wraps an open database handle.
func NewPostgresSaver(db *sql.DB) *PostgresSaver {
	return &PostgresSaver{db: db}
}

// Session checks a dedicated connection out of the pool. The caller must
// Close it on every exit path.
func (s *PostgresSaver) Session(ctx context.Context) (Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire checkpoint connection: %w", err)
	}
	return &pgSession{conn: conn}, nil
}

type pgSession struct {
	conn *sql.Conn
}

func (s *pgSession) Close() error {
	return s.conn.Close()
}

// snapshotBody is the JSONB layout of the checkpoint column.
type snapshotBody struct {
	Values     map[string]any   `json:"values"`
	Next       []string         `json:"next,omitempty"`
	Interrupts []map[string]any `json:"interrupts,omitempty"`
}

const snapshotColumns = `seq, thread_id, checkpoint_ns, checkpoint_id,
	parent_checkpoint_id, run_id, checkpoint, metadata, created_at`

func scanSnapshot(row interface{ Scan(dest ...any) error }) (*Snapshot, error) {
	var (
		snap     Snapshot
		parentID sql.NullString
		runID    sql.NullString
		bodyJSON []byte
		metaJSON []byte
	)
	if err := row.Scan(&snap.seq, &snap.ThreadID, &snap.Namespace, &snap.CheckpointID,
		&parentID, &runID, &bodyJSON, &metaJSON, &snap.CreatedAt); err != nil {
		return nil, err
	}

	snap.ParentID = parentID.String
	snap.RunID = runID.String

	var body snapshotBody
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint body: %w", err)
	}
	snap.Values = body.Values
	if snap.Values == nil {
		snap.Values = map[string]any{}
	}
	snap.Next = body.Next
	snap.Interrupts = body.Interrupts

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &snap.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint metadata: %w", err)
		}
	}
	return &snap, nil
}

func (s *pgSession) Put(ctx context.Context, snapshot *Snapshot) error {
	if snapshot.CheckpointID == "" {
		snapshot.CheckpointID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	bodyJSON, err := json.Marshal(snapshotBody{
		Values:     snapshot.Values,
		Next:       snapshot.Next,
		Interrupts: snapshot.Interrupts,
	})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint body: %w", err)
	}
	metaJSON := []byte("{}")
	if snapshot.Metadata != nil {
		if metaJSON, err = json.Marshal(snapshot.Metadata); err != nil {
			return fmt.Errorf("failed to encode checkpoint metadata: %w", err)
		}
	}

	var parentID, runID any
	if snapshot.ParentID != "" {
		parentID = snapshot.ParentID
	}
	if snapshot.RunID != "" {
		runID = snapshot.RunID
	}

	// Re-putting an existing checkpoint ID replaces the body and keeps the
	// row's seq and created_at, same as the in-memory saver.
	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id,
			parent_checkpoint_id, run_id, checkpoint, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			run_id = EXCLUDED.run_id,
			checkpoint = EXCLUDED.checkpoint,
			metadata = EXCLUDED.metadata
		RETURNING seq, created_at`,
		snapshot.ThreadID, snapshot.Namespace, snapshot.CheckpointID,
		parentID, runID, bodyJSON, metaJSON, snapshot.CreatedAt).
		Scan(&snapshot.seq, &snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}
	return nil
}

func (s *pgSession) Latest(ctx context.Context, threadID, namespace string) (*Snapshot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
		ORDER BY seq DESC
		LIMIT 1`, threadID, namespace)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return snap, nil
}

func (s *pgSession) Get(ctx context.Context, threadID, namespace, checkpointID string) (*Snapshot, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3`,
		threadID, namespace, checkpointID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return snap, nil
}

func (s *pgSession) History(ctx context.Context, threadID, namespace string, limit int, beforeID string) ([]*Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + ` FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2`
	args := []any{threadID, namespace}

	if beforeID != "" {
		// An unknown anchor yields NULL, which matches nothing.
		query += ` AND seq < (SELECT seq FROM checkpoints
			WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3)`
		args = append(args, beforeID)
	}

	args = append(args, ClampHistoryLimit(limit))
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint history: %w", err)
	}
	defer rows.Close()

	result := []*Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *pgSession) LatestNamespace(ctx context.Context, threadID string) (string, error) {
	var ns string
	err := s.conn.QueryRowContext(ctx, `
		SELECT checkpoint_ns FROM checkpoints
		WHERE thread_id = $1
		ORDER BY seq DESC
		LIMIT 1`, threadID).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve latest namespace: %w", err)
	}
	return ns, nil
}

func (s *pgSession) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread checkpoints: %w", err)
	}
	return nil
}

func (s *pgSession) DeleteRun(ctx context.Context, threadID, namespace, runID string) error {
	if _, err := s.conn.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND run_id = $3`,
		threadID, namespace, runID); err != nil {
		return fmt.Errorf("failed to delete run checkpoints: %w", err)
	}
	return nil
}

func (s *pgSession) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM checkpoints c
		WHERE c.created_at < $1
			AND c.seq <> (SELECT max(m.seq) FROM checkpoints m
				WHERE m.thread_id = c.thread_id AND m.checkpoint_ns = c.checkpoint_ns)`,
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
