package enrichment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/events"
)

type capturePub struct {
	payloads []events.PostsEnrichedPayload
}

func (c *capturePub) Publish(_ context.Context, _ string, payload bus.Envelope) (string, error) {
	c.payloads = append(c.payloads, payload.(events.PostsEnrichedPayload))
	return "1-0", nil
}

func taggedEntry(t *testing.T) bus.Entry {
	t.Helper()
	payload := events.PostsTaggedPayload{
		Envelope: events.NewEnvelope("posts.tagged:p1:1", "tr-1", "t1"),
		PostID:   "p1",
		Tags:     []string{"news"},
		TagsHash: "deadbeef",
		Trigger:  events.TriggerInitial,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Entry{ID: "1-0", Stream: events.StreamPostsTagged, TraceID: "tr-1", TenantID: "t1", Payload: raw}
}

func TestHandlePostsTagged_EmitsConsolidatedPost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	postedAt := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT channel_id, COALESCE\(text, ''\), posted_at FROM posts`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "text", "posted_at"}).
			AddRow(int64(42), "the post", postedAt))
	mock.ExpectQuery(`SELECT group_id FROM media_group_items`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow("g1"))

	visionRaw, _ := json.Marshal(events.VisionResult{Labels: []string{"cat"}, Description: "a cat", IsMeme: true})
	crawlRaw := json.RawMessage(`{"outcome":"ok"}`)
	mock.ExpectQuery(`SELECT post_id, kind, provider, params_hash, data, status, error, version`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"post_id", "kind", "provider", "params_hash", "data", "status", "error", "version"}).
			AddRow("p1", "crawl", "crawler", nil, []byte(crawlRaw), "ok", nil, int64(1)).
			AddRow("p1", "tags", "openai", nil, []byte(`{"tags":["news"]}`), "ok", nil, int64(1)).
			AddRow("p1", "vision", "openai", nil, visionRaw, "ok", nil, int64(2)))

	pub := &capturePub{}
	emitter := NewEmitter(db, NewRepository(db), pub)
	require.NoError(t, emitter.HandlePostsTagged(context.Background(), taggedEntry(t)))

	require.Len(t, pub.payloads, 1)
	p := pub.payloads[0]
	assert.Equal(t, "posts.enriched:p1:deadbeef", p.IdempotencyKey)
	assert.Equal(t, int64(42), p.ChannelID)
	assert.Equal(t, "the post", p.Text)
	assert.Equal(t, []string{"news"}, p.Tags)
	assert.Equal(t, "g1", p.AlbumID)
	assert.Equal(t, postedAt, p.PostedAt)
	require.NotNil(t, p.Vision)
	assert.True(t, p.Vision.IsMeme)
	assert.JSONEq(t, string(crawlRaw), string(p.Crawl))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePostsTagged_NoAlbumNoExtras(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT channel_id, COALESCE\(text, ''\), posted_at FROM posts`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "text", "posted_at"}).
			AddRow(int64(42), "bare", time.Now()))
	mock.ExpectQuery(`SELECT group_id FROM media_group_items`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}))
	mock.ExpectQuery(`SELECT post_id, kind, provider, params_hash, data, status, error, version`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"post_id", "kind", "provider", "params_hash", "data", "status", "error", "version"}).
			AddRow("p1", "tags", "openai", nil, []byte(`{"tags":["news"]}`), "ok", nil, int64(1)))

	pub := &capturePub{}
	emitter := NewEmitter(db, NewRepository(db), pub)
	require.NoError(t, emitter.HandlePostsTagged(context.Background(), taggedEntry(t)))

	require.Len(t, pub.payloads, 1)
	assert.Empty(t, pub.payloads[0].AlbumID)
	assert.Nil(t, pub.payloads[0].Vision)
	assert.Nil(t, pub.payloads[0].Crawl)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlePostsTagged_MissingPostIsPermanent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT channel_id, COALESCE\(text, ''\), posted_at FROM posts`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id", "text", "posted_at"}))

	emitter := NewEmitter(db, NewRepository(db), &capturePub{})
	err = emitter.HandlePostsTagged(context.Background(), taggedEntry(t))
	require.Error(t, err)
	_, permanent := bus.IsPermanent(err)
	assert.True(t, permanent)
	assert.NoError(t, mock.ExpectationsWereMet())
}
