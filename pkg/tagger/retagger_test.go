package tagger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/enrichment"
	"github.com/teleforge/teleforge/pkg/events"
)

func newTestRetagger(t *testing.T, gen *fakeGen) (*Retagger, *fakeRepo, *fakePub, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.TaggerConfig{Enabled: true, Model: "gpt-4o-mini", MaxTags: 8, PromptVersion: "v1"}
	repo := &fakeRepo{records: map[string]*enrichment.Record{}}
	pub := &fakePub{}
	tagger := NewTagger(cfg, gen, KeywordGenerator{}, repo, fakeResolver{tenant: "t1"}, pub)
	return NewRetagger(tagger, db), repo, pub, mock
}

func storeTags(repo *fakeRepo, data tagsData, version int64) {
	raw, _ := json.Marshal(data)
	repo.records["p1/tags"] = &enrichment.Record{
		PostID: "p1", Kind: events.KindTags, Data: raw, Version: version,
	}
	repo.version = version
}

func analyzedEntry(t *testing.T, visionVersion int64, featuresHash string) bus.Entry {
	t.Helper()
	payload := events.VisionAnalyzedPayload{
		Envelope: events.NewEnvelope("posts.vision.analyzed:p1:2", "tr-1", "t1"),
		PostID:   "p1",
		Vision: events.VisionResult{
			Description: "a crowd at a rally",
			OCR:         events.OCRResult{Text: "VOTE"},
		},
		VisionVersion: visionVersion,
		FeaturesHash:  featuresHash,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Entry{ID: "1-0", Stream: events.StreamVisionAnalyzed, TraceID: "tr-1", TenantID: "t1", Payload: raw}
}

func TestRetag_OnNewVisionVersion(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"politics", "rally"}}
	retagger, repo, pub, mock := newTestRetagger(t, gen)
	storeTags(repo, tagsData{Tags: []string{"old"}, TenantID: "t1", VisionVersion: 1, FeaturesHash: "aaa"}, 1)

	mock.ExpectQuery(`SELECT COALESCE\(text, ''\) FROM posts`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"text"}).AddRow("short post"))

	require.NoError(t, retagger.HandleVisionAnalyzed(context.Background(), analyzedEntry(t, 2, "bbb")))

	require.Len(t, gen.inputs, 1)
	assert.Contains(t, gen.inputs[0], "a crowd at a rally")
	assert.Contains(t, gen.inputs[0], "VOTE")

	assert.Equal(t, int64(2), repo.lastData.VisionVersion)
	assert.Equal(t, "bbb", repo.lastData.FeaturesHash)

	require.Len(t, pub.payloads, 1)
	p := pub.payloads[0]
	assert.Equal(t, events.TriggerVisionRetag, p.Trigger)
	assert.Equal(t, int64(2), p.VisionVersion)
	assert.Equal(t, []string{"politics", "rally"}, p.Tags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetag_SkipsWhenVisionUnchanged(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"x"}}
	retagger, repo, pub, mock := newTestRetagger(t, gen)
	storeTags(repo, tagsData{Tags: []string{"old"}, VisionVersion: 2, FeaturesHash: "same"}, 1)

	require.NoError(t, retagger.HandleVisionAnalyzed(context.Background(), analyzedEntry(t, 2, "same")))

	assert.Empty(t, gen.inputs)
	assert.Empty(t, pub.payloads)
	assert.Equal(t, 0, repo.upserts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetag_ChangedFeaturesSameVersion(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"x"}}
	retagger, repo, pub, mock := newTestRetagger(t, gen)
	storeTags(repo, tagsData{Tags: []string{"old"}, VisionVersion: 2, FeaturesHash: "aaa"}, 1)

	mock.ExpectQuery(`SELECT COALESCE\(text, ''\) FROM posts`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"text"}).AddRow("text"))

	require.NoError(t, retagger.HandleVisionAnalyzed(context.Background(), analyzedEntry(t, 2, "bbb")))
	require.Len(t, pub.payloads, 1)
	assert.Equal(t, 1, repo.upserts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetag_NoTagsRowIsNoOp(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"x"}}
	retagger, repo, pub, mock := newTestRetagger(t, gen)

	require.NoError(t, retagger.HandleVisionAnalyzed(context.Background(), analyzedEntry(t, 1, "aaa")))
	assert.Empty(t, pub.payloads)
	assert.Equal(t, 0, repo.upserts)
	assert.NoError(t, mock.ExpectationsWereMet())
}
