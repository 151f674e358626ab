package tagger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/enrichment"
	"github.com/teleforge/teleforge/pkg/events"
)

type fakeGen struct {
	name   string
	tags   []string
	err    error
	inputs []string
}

func (f *fakeGen) Name() string { return f.name }

func (f *fakeGen) Generate(_ context.Context, input string, _ int) ([]string, error) {
	f.inputs = append(f.inputs, input)
	return f.tags, f.err
}

type fakeRepo struct {
	records  map[string]*enrichment.Record
	upserts  int
	lastData tagsData
	version  int64
}

func (f *fakeRepo) Upsert(_ context.Context, postID, kind, _ string, data json.RawMessage, _, _, _ string) (int64, error) {
	f.upserts++
	f.version++
	_ = json.Unmarshal(data, &f.lastData)
	return f.version, nil
}

func (f *fakeRepo) Get(_ context.Context, postID, kind string) (*enrichment.Record, error) {
	rec, ok := f.records[postID+"/"+kind]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return rec, nil
}

type fakePub struct {
	payloads []events.PostsTaggedPayload
}

func (f *fakePub) Publish(_ context.Context, _ string, payload bus.Envelope) (string, error) {
	f.payloads = append(f.payloads, payload.(events.PostsTaggedPayload))
	return "1-0", nil
}

type fakeResolver struct{ tenant string }

func (f fakeResolver) ResolveOr(_ context.Context, existing string, _ int64, _ string) (string, error) {
	if existing != "" {
		return existing, nil
	}
	return f.tenant, nil
}

func newTestTagger(gen *fakeGen) (*Tagger, *fakeRepo, *fakePub) {
	cfg := config.TaggerConfig{Enabled: true, Model: "gpt-4o-mini", MaxTags: 8, PromptVersion: "v1"}
	repo := &fakeRepo{records: map[string]*enrichment.Record{}}
	pub := &fakePub{}
	t := NewTagger(cfg, gen, KeywordGenerator{}, repo, fakeResolver{tenant: "t1"}, pub)
	return t, repo, pub
}

func parsedEntry(t *testing.T, text string) bus.Entry {
	t.Helper()
	payload := events.PostsParsedPayload{
		Envelope:  events.NewEnvelope("posts.parsed:42:1", "tr-1", ""),
		PostID:    "p1",
		ChannelID: 42,
		Text:      text,
		PostedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Entry{ID: "1-0", Stream: events.StreamPostsParsed, TraceID: "tr-1", Payload: raw}
}

func TestHandlePostsParsed_GeneratesAndEmits(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"News", "politics", "news"}}
	tagger, repo, pub := newTestTagger(gen)

	require.NoError(t, tagger.HandlePostsParsed(context.Background(), parsedEntry(t, "breaking story")))

	require.Equal(t, 1, repo.upserts)
	assert.Equal(t, []string{"news", "politics"}, repo.lastData.Tags)
	assert.Equal(t, "t1", repo.lastData.TenantID)

	require.Len(t, pub.payloads, 1)
	p := pub.payloads[0]
	assert.Equal(t, []string{"news", "politics"}, p.Tags)
	assert.Equal(t, events.TriggerInitial, p.Trigger)
	wantHash := enrichment.ComputeTagsHash([]string{"news", "politics"})
	assert.Equal(t, wantHash, p.TagsHash)
	assert.Equal(t, "posts.tagged:p1:initial:"+wantHash[:16], p.IdempotencyKey)
	assert.Equal(t, "t1", p.TenantID)
}

func TestHandlePostsParsed_AppendsVisionSummary(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"cats"}}
	tagger, repo, _ := newTestTagger(gen)

	visionRaw, _ := json.Marshal(map[string]any{
		"labels":      []string{"cat"},
		"description": "a cat on a keyboard",
		"ocr":         map[string]any{"text": "MONDAY"},
	})
	repo.records["p1/vision"] = &enrichment.Record{PostID: "p1", Kind: events.KindVision, Data: visionRaw, Version: 3}

	require.NoError(t, tagger.HandlePostsParsed(context.Background(), parsedEntry(t, "look")))

	require.Len(t, gen.inputs, 1)
	assert.Contains(t, gen.inputs[0], "a cat on a keyboard")
	assert.Contains(t, gen.inputs[0], "MONDAY")
	assert.Equal(t, int64(3), repo.lastData.VisionVersion)
	assert.NotEmpty(t, repo.lastData.FeaturesHash)
}

func TestHandlePostsParsed_FallbackOnGeneratorError(t *testing.T) {
	gen := &fakeGen{name: "openai", err: errors.New("provider down")}
	tagger, repo, pub := newTestTagger(gen)

	entry := parsedEntry(t, "bitcoin markets rally as bitcoin breaks record #crypto")
	require.NoError(t, tagger.HandlePostsParsed(context.Background(), entry))

	require.Equal(t, 1, repo.upserts)
	require.Len(t, pub.payloads, 1)
	// Keyword fallback: hashtag first, then frequency-ranked words.
	assert.Equal(t, "crypto", pub.payloads[0].Tags[0])
	assert.Contains(t, pub.payloads[0].Tags, "bitcoin")
}

func TestHandlePostsParsed_NothingToTag(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"x"}}
	tagger, repo, pub := newTestTagger(gen)

	require.NoError(t, tagger.HandlePostsParsed(context.Background(), parsedEntry(t, "   ")))
	assert.Zero(t, repo.upserts)
	assert.Empty(t, pub.payloads)
}

func TestHandlePostsParsed_Disabled(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"x"}}
	tagger, repo, _ := newTestTagger(gen)
	tagger.cfg.Enabled = false

	require.NoError(t, tagger.HandlePostsParsed(context.Background(), parsedEntry(t, "text")))
	assert.Zero(t, repo.upserts)
}

func TestKeywordGenerator(t *testing.T) {
	tags, err := KeywordGenerator{}.Generate(context.Background(),
		"The quantum computer ran the quantum benchmark #research", 4)
	require.NoError(t, err)
	assert.Equal(t, "research", tags[0])
	assert.Equal(t, "quantum", tags[1])
	assert.NotContains(t, tags, "the")
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" News ", "#crypto", "news", "", "AI"}, 2)
	assert.Equal(t, []string{"news", "crypto"}, got)
}

func TestParseTagReply(t *testing.T) {
	tags, err := parseTagReply("```json\n[\"a\", \"b\"]\n```")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tags)

	_, err = parseTagReply("not json")
	assert.Error(t, err)
}

func TestIdempotencyKeyStableAcrossRedelivery(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"a"}}
	tagger, repo, pub := newTestTagger(gen)

	for i := 0; i < 2; i++ {
		require.NoError(t, tagger.HandlePostsParsed(context.Background(), parsedEntry(t, "text")))
	}
	// The row version moved, the key did not: a redelivery that lands on
	// the same tag set collapses at the outbox.
	require.Equal(t, 2, repo.upserts)
	require.Len(t, pub.payloads, 2)
	assert.Equal(t, pub.payloads[0].IdempotencyKey, pub.payloads[1].IdempotencyKey)
}

func TestIdempotencyKeyDistinguishesVisionRetags(t *testing.T) {
	gen := &fakeGen{name: "openai", tags: []string{"a"}}
	tagger, _, pub := newTestTagger(gen)

	// Two retags against different vision rows that happen to produce the
	// same tags must still emit two events.
	for _, visionVersion := range []int64{1, 2} {
		require.NoError(t, tagger.persistAndEmit(context.Background(), persistInput{
			postID: "p1", tenant: "t1", traceID: "tr-1", tags: []string{"a"},
			generator: gen, trigger: events.TriggerVisionRetag, visionVersion: visionVersion,
		}))
	}
	require.Len(t, pub.payloads, 2)
	assert.NotEqual(t, pub.payloads[0].IdempotencyKey, pub.payloads[1].IdempotencyKey)
	assert.Equal(t, fmt.Sprintf("posts.tagged:p1:%s:2:%s", events.TriggerVisionRetag,
		enrichment.ComputeTagsHash([]string{"a"})[:16]), pub.payloads[1].IdempotencyKey)
}
