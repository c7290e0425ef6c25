// Package postgres implements the storage interfaces on PostgreSQL.
//
// Repositories run raw SQL over database/sql with the pgx driver. Schema
// changes ship as embedded golang-migrate files applied on startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/strandlabs/strand/pkg/storage"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConnString builds a pgx-compatible connection string. The NOTIFY listener
// uses this for its dedicated connection outside the pool.
func (c Config) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store provides PostgreSQL-backed repositories behind the storage interfaces.
type Store struct {
	db  *sql.DB
	cfg Config
}

var _ storage.Store = (*Store)(nil)

// New opens a pooled connection, applies pending migrations and returns a
// ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Run migrations
	if err := runMigrations(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, cfg: cfg}, nil
}

// NewFromDB wraps an existing connection (useful for testing).
// The caller is responsible for schema setup.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle for health checks, the event
// publisher and direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ConnString returns the DSN the store was opened with.
func (s *Store) ConnString() string {
	return s.cfg.ConnString()
}

// Ping probes database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Assistants() storage.AssistantRepository { return (*assistantRepo)(s) }
func (s *Store) Threads() storage.ThreadRepository       { return (*threadRepo)(s) }
func (s *Store) Runs() storage.RunRepository             { return (*runRepo)(s) }
func (s *Store) Items() storage.StoreRepository          { return (*itemRepo)(s) }
func (s *Store) Crons() storage.CronRepository           { return (*cronRepo)(s) }
func (s *Store) Events() storage.EventRepository         { return (*eventRepo)(s) }

// HealthStatus represents database health and connection pool statistics
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health checks database connectivity and returns connection pool statistics
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := db.Stats()

	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}
