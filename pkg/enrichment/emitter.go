package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/events"
)

type publisher interface {
	Publish(ctx context.Context, stream string, payload bus.Envelope) (string, error)
}

// Emitter consumes posts.tagged and publishes the consolidated
// posts.enriched event the indexer feeds on. Tags arrive in the triggering
// event; vision and crawl are whatever rows exist at emit time; enrichment
// is eventually complete, and a later vision run produces a retag which
// re-emits with the fuller set.
type Emitter struct {
	db   *sql.DB
	repo *Repository
	pub  publisher
}

// NewEmitter wires the stage on the shared pool.
func NewEmitter(db *sql.DB, repo *Repository, pub publisher) *Emitter {
	return &Emitter{db: db, repo: repo, pub: pub}
}

// HandlePostsTagged is the stream handler for posts.tagged.
func (m *Emitter) HandlePostsTagged(ctx context.Context, e bus.Entry) error {
	var p events.PostsTaggedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	var (
		channelID int64
		text      string
		postedAt  time.Time
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT channel_id, COALESCE(text, ''), posted_at FROM posts WHERE id = $1`,
		p.PostID,
	).Scan(&channelID, &text, &postedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("post %s not found", p.PostID))
		}
		return fmt.Errorf("failed to load post %s: %w", p.PostID, err)
	}

	payload := events.PostsEnrichedPayload{
		Envelope:  events.NewEnvelope("posts.enriched:"+p.PostID+":"+p.TagsHash, e.TraceID, p.TenantID),
		PostID:    p.PostID,
		ChannelID: channelID,
		Text:      text,
		Tags:      p.Tags,
		PostedAt:  postedAt,
	}

	var albumID sql.NullString
	err = m.db.QueryRowContext(ctx,
		`SELECT group_id FROM media_group_items WHERE post_id = $1`, p.PostID,
	).Scan(&albumID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to look up album of %s: %w", p.PostID, err)
	}
	if albumID.Valid {
		payload.AlbumID = albumID.String
	}

	records, err := m.repo.ListLatest(ctx, p.PostID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		switch rec.Kind {
		case events.KindVision:
			var v events.VisionResult
			if err := json.Unmarshal(rec.Data, &v); err != nil {
				slog.Warn("Skipping malformed vision data", "post_id", p.PostID, "error", err)
				continue
			}
			payload.Vision = &v
		case events.KindCrawl:
			payload.Crawl = rec.Data
		}
	}

	if _, err := m.pub.Publish(ctx, events.StreamPostsEnriched, payload); err != nil {
		return fmt.Errorf("failed to publish enriched post %s: %w", p.PostID, err)
	}
	return nil
}
