package media

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/metrics"
)

// Sweeper reconciles the cached per-tenant usage counters against the
// media_objects table and frees unreferenced objects. Usage is eventually
// consistent; the cache drifts between sweeps and that is acceptable.
type Sweeper struct {
	db       *sql.DB
	store    *Store
	rdb      *redis.Client
	interval time.Duration
}

// NewSweeper creates the background sweep worker.
func NewSweeper(db *sql.DB, store *Store, rdb *redis.Client, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{db: db, store: store, rdb: rdb, interval: interval}
}

// Run is the supervisor task. One reconcile pass immediately, then one
// per interval.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Reconcile(ctx); err != nil {
			slog.Error("Storage usage reconcile failed", "error", err)
		}
		if n, err := s.FreeUnreferenced(ctx, ""); err != nil {
			slog.Error("Unreferenced media sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("Freed unreferenced media objects", "deleted", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile recomputes per-tenant usage from media_objects and overwrites
// the cached counters. The tenant is the second path segment of the
// object key.
func (s *Sweeper) Reconcile(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT split_part(object_key, '/', 2) AS tenant, COALESCE(SUM(size_bytes), 0)
		   FROM media_objects
		  GROUP BY 1`)
	if err != nil {
		return fmt.Errorf("failed to sum media usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tenant string
		var usedBytes int64
		if err := rows.Scan(&tenant, &usedBytes); err != nil {
			return fmt.Errorf("failed to scan usage row: %w", err)
		}
		if err := s.rdb.Set(ctx, usageKey(tenant), usedBytes, 0).Err(); err != nil {
			slog.Warn("Failed to write cached storage usage", "tenant", tenant, "error", err)
		}
		metrics.StorageUsageGB.WithLabelValues(tenant).Set(float64(usedBytes) / (1 << 30))
	}
	return rows.Err()
}

// FreeUnreferenced deletes objects whose refs_count has dropped to zero.
// tenant narrows the pass to one tenant (the emergency path after a
// quota rejection); empty means all tenants. Rows are claimed with
// SKIP LOCKED so concurrent sweeps never double-delete.
func (s *Sweeper) FreeUnreferenced(ctx context.Context, tenant string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT file_sha256, object_key, size_bytes
	            FROM media_objects
	           WHERE refs_count = 0`
	args := []any{}
	if tenant != "" {
		query += ` AND split_part(object_key, '/', 2) = $1`
		args = append(args, tenant)
	}
	query += ` LIMIT 256 FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to select unreferenced media: %w", err)
	}

	type victim struct {
		sha  string
		key  string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.sha, &v.key, &v.size); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unreferenced media row: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, v := range victims {
		// Object first, row second: an orphan row retries next sweep, an
		// orphan object would leak forever.
		objTenant := tenantFromKey(v.key)
		if err := s.store.Delete(ctx, objTenant, v.key, v.size); err != nil {
			slog.Warn("Failed to delete unreferenced object, will retry next sweep",
				"key", v.key, "error", err)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM media_objects WHERE file_sha256 = $1 AND refs_count = 0`, v.sha); err != nil {
			return deleted, fmt.Errorf("failed to delete media row %s: %w", v.sha, err)
		}
		deleted++
	}

	if err := tx.Commit(); err != nil {
		return deleted, fmt.Errorf("failed to commit sweep transaction: %w", err)
	}
	return deleted, nil
}

// tenantFromKey extracts the tenant segment of media/{tenant}/....
func tenantFromKey(key string) string {
	start := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			if start < 0 {
				start = i + 1
				continue
			}
			return key[start:i]
		}
	}
	if start >= 0 {
		return key[start:]
	}
	return ""
}
