// Package cleanup enforces data retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/storage"
)

// Service periodically enforces retention policies:
//   - Removes persisted run event rows past their TTL
//   - Reaps expired store items (the OAuth token cache)
//   - Deletes checkpoints past the retention window, always keeping each
//     namespace's newest snapshot so threads stay resumable
//
// All sweeps are idempotent and safe to run from multiple pods.
type Service struct {
	cfg          *config.RetentionConfig
	store        storage.Store
	checkpointer checkpoint.Checkpointer
	logger       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. It does nothing until Start.
func NewService(cfg *config.RetentionConfig, store storage.Store, checkpointer checkpoint.Checkpointer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:          cfg,
		store:        store,
		checkpointer: checkpointer,
		logger:       logger,
	}
}

// Start launches the background cleanup loop. Calling Start twice is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"event_ttl", s.cfg.EventTTL,
		"checkpoint_retention_days", s.cfg.CheckpointRetentionDays,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	s.sweepEvents(ctx)
	s.sweepExpiredItems(ctx)
	s.sweepCheckpoints(ctx)
}

func (s *Service) sweepEvents(ctx context.Context) {
	if s.cfg.EventTTL <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.EventTTL)
	count, err := s.store.Events().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted expired events", "count", count)
	}
}

func (s *Service) sweepExpiredItems(ctx context.Context) {
	count, err := s.store.Items().DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Retention: store item cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted expired store items", "count", count)
	}
}

func (s *Service) sweepCheckpoints(ctx context.Context) {
	if s.cfg.CheckpointRetentionDays <= 0 {
		return
	}
	session, err := s.checkpointer.Session(ctx)
	if err != nil {
		s.logger.Error("Retention: checkpoint session failed", "error", err)
		return
	}
	defer func() { _ = session.Close() }()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.CheckpointRetentionDays)
	count, err := session.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: checkpoint cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old checkpoints", "count", count)
	}
}
