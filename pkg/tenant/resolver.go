// Package tenant resolves the owning tenant of a post when an event
// arrives without one.
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/teleforge/teleforge/pkg/events"
)

// Resolver looks up tenant ids across the ownership sources in fixed
// priority order. Results are safe to cache per post for the lifetime of
// one event delivery, nothing longer.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a resolver on the shared pool.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// Sources, highest priority first:
//  1. users.tenant_id via the active user_channel subscription
//  2. tenant_id recorded in the tags enrichment data
//  3. channels.settings->>'tenant_id'
//
// A single round trip; COALESCE picks the first non-null.
const resolveSQL = `
SELECT COALESCE(
    (SELECT u.tenant_id
       FROM users u
       JOIN user_channel uc ON uc.user_id = u.id
      WHERE uc.channel_id = $1 AND uc.is_active
      LIMIT 1),
    (SELECT pe.data->>'tenant_id'
       FROM post_enrichment pe
      WHERE pe.post_id = $2 AND pe.kind = 'tags'),
    (SELECT c.settings->>'tenant_id'
       FROM channels c
      WHERE c.id = $1)
)`

// Resolve returns the tenant that owns (channelID, postID). When no source
// knows the tenant it returns the "default" sentinel and logs a warning;
// it never returns an empty string on success.
func (r *Resolver) Resolve(ctx context.Context, channelID int64, postID string) (string, error) {
	var tenantID sql.NullString
	err := r.db.QueryRowContext(ctx, resolveSQL, channelID, postID).Scan(&tenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			slog.Warn("No tenant source found, falling back to default",
				"channel_id", channelID, "post_id", postID)
			return events.TenantDefault, nil
		}
		return "", fmt.Errorf("failed to resolve tenant for post %s: %w", postID, err)
	}
	if !tenantID.Valid || tenantID.String == "" {
		slog.Warn("No tenant source found, falling back to default",
			"channel_id", channelID, "post_id", postID)
		return events.TenantDefault, nil
	}
	return tenantID.String, nil
}

// ResolveOr short-circuits when the event already carries a tenant.
func (r *Resolver) ResolveOr(ctx context.Context, existing string, channelID int64, postID string) (string, error) {
	if existing != "" {
		return existing, nil
	}
	return r.Resolve(ctx, channelID, postID)
}
