package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphPost is one post's contribution to the topic graph.
type GraphPost struct {
	PostID    string
	ChannelID int64
	TenantID  string
	AlbumID   string
	Topics    []string
	IsMeme    bool
	PostedAt  time.Time
}

// GraphAlbum links an assembled album to its member posts.
type GraphAlbum struct {
	AlbumID       string
	TenantID      string
	ItemsCount    int
	ItemsAnalyzed int
	PostIDs       []string
}

// GraphWriter is the graph store surface the indexer needs.
type GraphWriter interface {
	WritePost(ctx context.Context, post GraphPost) error
	WriteAlbum(ctx context.Context, album GraphAlbum) error
}

// Neo4jWriter maintains Post, Topic, Album and Channel nodes. All writes
// are MERGEs, so replays are harmless except for RELATED_TO weights, which
// may over-count on redelivery; similarity is clamped so that stays benign.
type Neo4jWriter struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jWriter wraps an existing driver.
func NewNeo4jWriter(driver neo4j.DriverWithContext) *Neo4jWriter {
	return &Neo4jWriter{driver: driver}
}

const postCypher = `
MERGE (c:Channel {id: $channel_id})
MERGE (p:Post {id: $post_id})
SET p.tenant_id = $tenant_id, p.posted_at = $posted_at, p.is_meme = $is_meme
MERGE (c)-[:CONTAINS]->(p)
WITH p
UNWIND $topics AS topic
MERGE (t:Topic {name: topic})
MERGE (p)-[:HAS_TOPIC]->(t)`

const albumEdgeCypher = `
MERGE (al:Album {id: $album_id})
WITH al
MATCH (p:Post {id: $post_id})
MERGE (p)-[:HAS_ALBUM]->(al)`

// Topic co-occurrence: each pair seen together bumps the edge weight, and
// similarity = min(1.0, 0.5 + 0.1 * weight).
const relatedCypher = `
UNWIND $pairs AS pair
MATCH (a:Topic {name: pair[0]}), (b:Topic {name: pair[1]})
MERGE (a)-[r:RELATED_TO]-(b)
ON CREATE SET r.weight = 1
ON MATCH SET r.weight = r.weight + 1
SET r.similarity = CASE WHEN 0.5 + 0.1 * r.weight > 1.0 THEN 1.0 ELSE 0.5 + 0.1 * r.weight END`

func (w *Neo4jWriter) WritePost(ctx context.Context, post GraphPost) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, postCypher, map[string]any{
			"post_id":    post.PostID,
			"channel_id": post.ChannelID,
			"tenant_id":  post.TenantID,
			"posted_at":  post.PostedAt.UTC().Format(time.RFC3339),
			"is_meme":    post.IsMeme,
			"topics":     toAnySlice(post.Topics),
		})
		if err != nil {
			return nil, err
		}
		if post.AlbumID != "" {
			_, err = tx.Run(ctx, albumEdgeCypher, map[string]any{
				"album_id": post.AlbumID,
				"post_id":  post.PostID,
			})
			if err != nil {
				return nil, err
			}
		}
		if pairs := topicPairs(post.Topics); len(pairs) > 0 {
			_, err = tx.Run(ctx, relatedCypher, map[string]any{"pairs": pairs})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to write post %s to graph: %w", post.PostID, err)
	}
	return nil
}

const albumCypher = `
MERGE (al:Album {id: $album_id})
SET al.tenant_id = $tenant_id, al.items_count = $items_count, al.items_analyzed = $items_analyzed
WITH al
UNWIND $post_ids AS post_id
MERGE (p:Post {id: post_id})
MERGE (p)-[:HAS_ALBUM]->(al)`

func (w *Neo4jWriter) WriteAlbum(ctx context.Context, album GraphAlbum) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, albumCypher, map[string]any{
			"album_id":       album.AlbumID,
			"tenant_id":      album.TenantID,
			"items_count":    album.ItemsCount,
			"items_analyzed": album.ItemsAnalyzed,
			"post_ids":       toAnySlice(album.PostIDs),
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to write album %s to graph: %w", album.AlbumID, err)
	}
	return nil
}

// topicPairs returns every unordered topic pair, lexicographically ordered
// within each pair so the undirected MERGE always sees the same shape.
func topicPairs(topics []string) []any {
	var pairs []any
	for i := 0; i < len(topics); i++ {
		for j := i + 1; j < len(topics); j++ {
			a, b := topics[i], topics[j]
			if a > b {
				a, b = b, a
			}
			pairs = append(pairs, []any{a, b})
		}
	}
	return pairs
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
