package album

import (
	"context"
	"log/slog"
	"time"

	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// RunExpiry is the supervisor task that expires albums whose assembly TTL
// elapsed with an incomplete set. Expired albums emit
// album.assembly_expired with the partial state and never emit
// album.assembled.
func (a *Assembler) RunExpiry(ctx context.Context) error {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := a.ExpireStale(ctx); err != nil {
			slog.Error("Album expiry sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("Expired incomplete albums", "expired", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExpireStale runs one sweep pass and returns how many albums expired.
func (a *Assembler) ExpireStale(ctx context.Context) (int, error) {
	groupIDs, err := a.state.ListGroupIDs(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, groupID := range groupIDs {
		snap, err := a.state.Snapshot(ctx, groupID)
		if err != nil {
			return expired, err
		}
		if snap == nil || snap.Assembled {
			continue
		}
		if time.Since(snap.CreatedAt) < a.cfg.AssemblyTTL {
			continue
		}

		if err := a.expire(ctx, groupID, snap); err != nil {
			slog.Error("Failed to expire album, will retry next sweep",
				"group_id", groupID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (a *Assembler) expire(ctx context.Context, groupID string, snap *snapshot) error {
	missing, err := a.missingPosts(ctx, groupID, snap)
	if err != nil {
		return err
	}

	var tenantID string
	if err := a.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM media_groups WHERE id = $1`, groupID).Scan(&tenantID); err != nil {
		tenantID = events.TenantDefault
	}

	payload := events.AlbumExpiredPayload{
		Envelope:      events.NewEnvelope("album.assembly_expired:"+groupID, "", tenantID),
		AlbumID:       groupID,
		ItemsCount:    snap.Expected,
		ItemsAnalyzed: len(snap.Received),
		MissingPosts:  missing,
	}
	if _, err := a.pub.Publish(ctx, events.StreamAlbumExpired, payload); err != nil {
		return err
	}

	metrics.AlbumsAssembled.WithLabelValues("expired").Inc()
	slog.Warn("Album assembly expired",
		"group_id", groupID,
		"expected", snap.Expected, "received", len(snap.Received))
	return a.state.Delete(ctx, groupID)
}

// missingPosts lists the album members without a received vision result.
func (a *Assembler) missingPosts(ctx context.Context, groupID string, snap *snapshot) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT post_id FROM media_group_items WHERE group_id = $1 ORDER BY position`,
		groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var postID string
		if err := rows.Scan(&postID); err != nil {
			return nil, err
		}
		if _, ok := snap.Received[postID]; !ok {
			missing = append(missing, postID)
		}
	}
	return missing, rows.Err()
}
