// Package cleanup provides data retention enforcement and episodic memory
// recording.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleforge/teleforge/pkg/config"
)

// Service periodically enforces retention policies:
//   - Deletes episodic_memory rows past retention_days
//   - Deletes terminal dlq_events rows past the DLQ retention window
//   - Deletes published outbox_events rows past the DLQ retention window
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	db     *sql.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service on the shared pool.
func NewService(cfg *config.RetentionConfig, db *sql.DB) *Service {
	return &Service{config: cfg, db: db}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention_days", s.config.RetentionDays,
		"dlq_retention", s.config.DLQRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one full retention pass. Failures are logged, never
// fatal; the next tick retries.
func (s *Service) RunAll(ctx context.Context) {
	s.step(ctx, "episodic memory", s.CleanupEpisodicMemory)
	s.step(ctx, "terminal DLQ events", s.CleanupDLQEvents)
	s.step(ctx, "published outbox rows", s.CleanupOutbox)
}

func (s *Service) step(ctx context.Context, what string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		slog.Error("Retention: cleanup failed", "target", what, "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted rows", "target", what, "count", count)
	}
}

// CleanupEpisodicMemory deletes run/error/retry records older than the
// retention window.
func (s *Service) CleanupEpisodicMemory(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RetentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM episodic_memory WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old episodic memory: %w", err)
	}
	return res.RowsAffected()
}

// CleanupDLQEvents deletes terminal dead-letter records past DLQ retention.
// Non-terminal rows are kept regardless of age; an operator may still
// replay them.
func (s *Service) CleanupDLQEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.DLQRetention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dlq_events WHERE terminal AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal DLQ events: %w", err)
	}
	return res.RowsAffected()
}

// CleanupOutbox deletes outbox rows that were published long ago. The
// unique idempotency_key column keeps duplicates out only while the row
// exists, so the window must exceed any realistic redelivery horizon.
func (s *Service) CleanupOutbox(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.DLQRetention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE published_at IS NOT NULL AND published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox rows: %w", err)
	}
	return res.RowsAffected()
}
