package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/metrics"
)

type publisher interface {
	Publish(ctx context.Context, stream string, payload bus.Envelope) (string, error)
}

// Indexer consumes posts.enriched and album.assembled. Both the vector
// upsert and the graph merge are idempotent per point/node, so a partial
// write (vector landed, graph failed) is simply retried by redelivery.
type Indexer struct {
	cfg      config.IndexerConfig
	db       *sql.DB
	embedder Embedder
	vectors  VectorWriter
	graph    GraphWriter
	pub      publisher
}

// NewIndexer wires the stage.
func NewIndexer(cfg config.IndexerConfig, db *sql.DB, embedder Embedder,
	vectors VectorWriter, graph GraphWriter, pub publisher) *Indexer {
	return &Indexer{cfg: cfg, db: db, embedder: embedder, vectors: vectors, graph: graph, pub: pub}
}

// CollectionName returns the per-tenant vector collection.
func (ix *Indexer) CollectionName(tenant string) string {
	return "user_" + tenant + "_" + ix.cfg.CollectionSuffix
}

// HandlePostsEnriched is the stream handler for posts.enriched.
func (ix *Indexer) HandlePostsEnriched(ctx context.Context, e bus.Entry) error {
	var p events.PostsEnrichedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if !ix.cfg.Enabled {
		return nil
	}
	tenant := p.TenantID
	if tenant == "" {
		tenant = events.TenantDefault
	}

	vector, err := ix.embedder.Embed(ctx, embedText(p))
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("indexer", "error").Inc()
		return fmt.Errorf("failed to embed post %s: %w", p.PostID, err)
	}
	metrics.ProviderCalls.WithLabelValues("indexer", "ok").Inc()

	collection := ix.CollectionName(tenant)
	if err := ix.vectors.EnsureCollection(ctx, collection); err != nil {
		return err
	}

	payload := map[string]any{
		"post_id":    p.PostID,
		"channel_id": p.ChannelID,
		"tenant_id":  tenant,
		"tags":       toAnySlice(p.Tags),
		"album_id":   p.AlbumID,
		"is_meme":    false,
		"posted_at":  p.PostedAt.UTC().Format(time.RFC3339),
	}
	if p.Vision != nil {
		payload["vision_labels"] = toAnySlice(p.Vision.Labels)
		payload["is_meme"] = p.Vision.IsMeme
	}
	if err := ix.vectors.Upsert(ctx, collection, p.PostID, vector, payload); err != nil {
		return err
	}

	post := GraphPost{
		PostID:    p.PostID,
		ChannelID: p.ChannelID,
		TenantID:  tenant,
		AlbumID:   p.AlbumID,
		Topics:    p.Tags,
		PostedAt:  p.PostedAt,
	}
	if p.Vision != nil {
		post.IsMeme = p.Vision.IsMeme
	}
	if err := ix.graph.WritePost(ctx, post); err != nil {
		return err
	}

	out := events.PostsIndexedPayload{
		Envelope:  events.NewEnvelope(indexedIdemKey(p.IdempotencyKey, p.PostID), e.TraceID, tenant),
		PostID:    p.PostID,
		VectorID:  p.PostID,
		IndexedAt: time.Now().UTC(),
	}
	if _, err := ix.pub.Publish(ctx, events.StreamPostsIndexed, out); err != nil {
		return fmt.Errorf("failed to publish indexed post %s: %w", p.PostID, err)
	}
	slog.Info("Indexed post", "post_id", p.PostID, "collection", collection, "topics", len(p.Tags))
	return nil
}

// indexedIdemKey derives the outgoing key from the incoming one so a
// retag's re-index produces a distinct event while a redelivery does not.
func indexedIdemKey(incoming, postID string) string {
	if suffix, ok := strings.CutPrefix(incoming, "posts.enriched:"); ok {
		return "posts.indexed:" + suffix
	}
	return "posts.indexed:" + postID
}

// embedText is the text fed to the embedding model: post text plus tags
// plus the vision description, which carries short media-only posts.
func embedText(p events.PostsEnrichedPayload) string {
	parts := []string{p.Text}
	if len(p.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(p.Tags, ", "))
	}
	if p.Vision != nil && p.Vision.Description != "" {
		parts = append(parts, p.Vision.Description)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// HandleAlbumAssembled links an assembled album and its member posts in
// the graph. No vector write happens here; member posts index themselves.
func (ix *Indexer) HandleAlbumAssembled(ctx context.Context, e bus.Entry) error {
	var p events.AlbumAssembledPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if !ix.cfg.Enabled {
		return nil
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT post_id FROM media_group_items WHERE group_id = $1 ORDER BY position`, p.AlbumID)
	if err != nil {
		return fmt.Errorf("failed to list album members of %s: %w", p.AlbumID, err)
	}
	defer rows.Close()

	var postIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan album member: %w", err)
		}
		postIDs = append(postIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return ix.graph.WriteAlbum(ctx, GraphAlbum{
		AlbumID:       p.AlbumID,
		TenantID:      p.TenantID,
		ItemsCount:    p.ItemsCount,
		ItemsAnalyzed: p.ItemsAnalyzed,
		PostIDs:       postIDs,
	})
}
