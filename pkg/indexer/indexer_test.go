package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/events"
)

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type upsertCall struct {
	collection string
	pointID    string
	payload    map[string]any
}

type fakeVectors struct {
	ensured []string
	upserts []upsertCall
	err     error
}

func (f *fakeVectors) EnsureCollection(_ context.Context, name string) error {
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeVectors) Upsert(_ context.Context, collection, pointID string, _ []float32, payload map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, upsertCall{collection: collection, pointID: pointID, payload: payload})
	return nil
}

type fakeGraph struct {
	posts  []GraphPost
	albums []GraphAlbum
	err    error
}

func (f *fakeGraph) WritePost(_ context.Context, post GraphPost) error {
	if f.err != nil {
		return f.err
	}
	f.posts = append(f.posts, post)
	return nil
}

func (f *fakeGraph) WriteAlbum(_ context.Context, album GraphAlbum) error {
	f.albums = append(f.albums, album)
	return nil
}

type fakePub struct {
	payloads []events.PostsIndexedPayload
}

func (f *fakePub) Publish(_ context.Context, _ string, payload bus.Envelope) (string, error) {
	f.payloads = append(f.payloads, payload.(events.PostsIndexedPayload))
	return "1-0", nil
}

func newTestIndexer() (*Indexer, *fakeEmbedder, *fakeVectors, *fakeGraph, *fakePub) {
	cfg := config.IndexerConfig{Enabled: true, VectorSize: 3, CollectionSuffix: "channels"}
	embedder := &fakeEmbedder{}
	vectors := &fakeVectors{}
	graph := &fakeGraph{}
	pub := &fakePub{}
	return NewIndexer(cfg, nil, embedder, vectors, graph, pub), embedder, vectors, graph, pub
}

func enrichedEntry(t *testing.T, tenant string) bus.Entry {
	t.Helper()
	payload := events.PostsEnrichedPayload{
		Envelope:  events.NewEnvelope("posts.enriched:p1:deadbeef", "tr-1", tenant),
		PostID:    "p1",
		ChannelID: 42,
		Text:      "a story",
		Tags:      []string{"news", "politics"},
		AlbumID:   "g1",
		PostedAt:  time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		Vision:    &events.VisionResult{Labels: []string{"crowd"}, Description: "a rally", IsMeme: true},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Entry{ID: "1-0", Stream: events.StreamPostsEnriched, TraceID: "tr-1", TenantID: tenant, Payload: raw}
}

func TestHandlePostsEnriched_WritesVectorAndGraph(t *testing.T) {
	ix, embedder, vectors, graph, pub := newTestIndexer()

	require.NoError(t, ix.HandlePostsEnriched(context.Background(), enrichedEntry(t, "t1")))

	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, []string{"user_t1_channels"}, vectors.ensured)

	require.Len(t, vectors.upserts, 1)
	up := vectors.upserts[0]
	assert.Equal(t, "user_t1_channels", up.collection)
	assert.Equal(t, "p1", up.pointID)
	assert.Equal(t, "p1", up.payload["post_id"])
	assert.Equal(t, int64(42), up.payload["channel_id"])
	assert.Equal(t, "g1", up.payload["album_id"])
	assert.Equal(t, true, up.payload["is_meme"])
	assert.Equal(t, []any{"crowd"}, up.payload["vision_labels"])

	require.Len(t, graph.posts, 1)
	assert.Equal(t, []string{"news", "politics"}, graph.posts[0].Topics)
	assert.Equal(t, "g1", graph.posts[0].AlbumID)
	assert.True(t, graph.posts[0].IsMeme)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "posts.indexed:p1:deadbeef", pub.payloads[0].IdempotencyKey)
	assert.Equal(t, "p1", pub.payloads[0].VectorID)
}

func TestHandlePostsEnriched_MissingTenantUsesDefault(t *testing.T) {
	ix, _, vectors, _, _ := newTestIndexer()

	require.NoError(t, ix.HandlePostsEnriched(context.Background(), enrichedEntry(t, "")))
	assert.Equal(t, []string{"user_default_channels"}, vectors.ensured)
}

func TestHandlePostsEnriched_GraphFailureRetries(t *testing.T) {
	ix, _, vectors, graph, pub := newTestIndexer()
	graph.err = errors.New("neo4j down")

	err := ix.HandlePostsEnriched(context.Background(), enrichedEntry(t, "t1"))
	require.Error(t, err)
	// Vector write landed, nothing was published; redelivery re-runs both.
	assert.Len(t, vectors.upserts, 1)
	assert.Empty(t, pub.payloads)
}

func TestHandlePostsEnriched_EmbedFailure(t *testing.T) {
	ix, embedder, vectors, _, _ := newTestIndexer()
	embedder.err = errors.New("rate limited")

	err := ix.HandlePostsEnriched(context.Background(), enrichedEntry(t, "t1"))
	require.Error(t, err)
	assert.Empty(t, vectors.upserts)
}

func TestTopicPairs(t *testing.T) {
	pairs := topicPairs([]string{"b", "a", "c"})
	assert.Equal(t, []any{
		[]any{"a", "b"},
		[]any{"b", "c"},
		[]any{"a", "c"},
	}, pairs)

	assert.Nil(t, topicPairs([]string{"solo"}))
}

func TestHandleAlbumAssembled_LinksMembers(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	cfg := config.IndexerConfig{Enabled: true, CollectionSuffix: "channels"}
	graph := &fakeGraph{}
	ix := NewIndexer(cfg, db, &fakeEmbedder{}, &fakeVectors{}, graph, &fakePub{})

	mock.ExpectQuery(`SELECT post_id FROM media_group_items`).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"post_id"}).AddRow("p1").AddRow("p2"))

	payload := events.AlbumAssembledPayload{
		Envelope:      events.NewEnvelope("album.assembled:g1", "tr-1", "t1"),
		AlbumID:       "g1",
		ItemsCount:    2,
		ItemsAnalyzed: 2,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	entry := bus.Entry{ID: "1-0", Stream: events.StreamAlbumAssembled, TraceID: "tr-1", TenantID: "t1", Payload: raw}

	require.NoError(t, ix.HandleAlbumAssembled(context.Background(), entry))
	require.Len(t, graph.albums, 1)
	assert.Equal(t, []string{"p1", "p2"}, graph.albums[0].PostIDs)
	assert.Equal(t, 2, graph.albums[0].ItemsCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
