package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the header block common to every published event.
// TenantID is mandatory on tenant-scoped streams and must be non-empty;
// the literal "default" is a reserved sentinel, never an absent value.
type Envelope struct {
	SchemaVersion  int       `json:"schema_version"`
	IdempotencyKey string    `json:"idempotency_key"`
	TraceID        string    `json:"trace_id"`
	TenantID       string    `json:"tenant_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewEnvelope builds an envelope for a fresh event. The idempotency key is
// supplied by the caller so that re-publishing the same logical event (for
// example from the outbox) yields the same key.
func NewEnvelope(idempotencyKey, traceID, tenantID string) Envelope {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Envelope{
		SchemaVersion:  SchemaVersion,
		IdempotencyKey: idempotencyKey,
		TraceID:        traceID,
		TenantID:       tenantID,
		OccurredAt:     time.Now().UTC(),
	}
}

// Headers exposes the envelope fields to the bus publisher.
func (e Envelope) Headers() (idempotencyKey, traceID, tenantID string, schemaVersion int, occurredAt time.Time) {
	return e.IdempotencyKey, e.TraceID, e.TenantID, e.SchemaVersion, e.OccurredAt
}

// MediaFile describes one uploaded media object of a post.
type MediaFile struct {
	SHA256    string `json:"sha256"`
	Key       string `json:"key"`
	MIME      string `json:"mime"`
	SizeBytes int64  `json:"size_bytes"`
}

// PostsParsedPayload announces a freshly persisted post.
type PostsParsedPayload struct {
	Envelope
	PostID          string    `json:"post_id"`
	ChannelID       int64     `json:"channel_id"`
	Text            string    `json:"text"`
	HasMedia        bool      `json:"has_media"`
	MediaSHA256List []string  `json:"media_sha256_list"`
	GroupedID       int64     `json:"grouped_id,omitempty"`
	TelegramPostURL string    `json:"telegram_post_url,omitempty"`
	PostedAt        time.Time `json:"posted_at"`
}

// VisionUploadedPayload asks the vision analyzer to look at a post's media.
type VisionUploadedPayload struct {
	Envelope
	PostID     string      `json:"post_id"`
	ChannelID  int64       `json:"channel_id"`
	GroupedID  int64       `json:"grouped_id,omitempty"`
	MediaFiles []MediaFile `json:"media_files"`
	UploadedAt time.Time   `json:"uploaded_at"`
}

// OCRResult is the OCR fragment of a vision result.
type OCRResult struct {
	Text       string  `json:"text"`
	Engine     string  `json:"engine"`
	Confidence float64 `json:"confidence"`
}

// VisionResult is the per-post vision outcome carried downstream.
type VisionResult struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Labels      []string  `json:"labels"`
	Description string    `json:"description"`
	OCR         OCRResult `json:"ocr"`
	IsMeme      bool      `json:"is_meme"`
}

// VisionAnalyzedPayload reports a completed vision enrichment.
// FeaturesHash covers the outputs (labels + description) and lets the
// retagger detect meaningful change without diffing full payloads.
type VisionAnalyzedPayload struct {
	Envelope
	PostID        string       `json:"post_id"`
	Vision        VisionResult `json:"vision"`
	VisionVersion int64        `json:"vision_version"`
	FeaturesHash  string       `json:"features_hash"`
}

// AlbumsParsedPayload is the first (or a grown) sighting of a Telegram album.
type AlbumsParsedPayload struct {
	Envelope
	GroupID    string   `json:"group_id"`
	ChannelID  int64    `json:"channel_id"`
	GroupedID  int64    `json:"grouped_id"`
	ItemsCount int      `json:"items_count"`
	PostIDs    []string `json:"post_ids"`
}

// AlbumAssembledPayload is published exactly once per assembled album.
type AlbumAssembledPayload struct {
	Envelope
	AlbumID         string          `json:"album_id"`
	ItemsCount      int             `json:"items_count"`
	ItemsAnalyzed   int             `json:"items_analyzed"`
	VisionSummary   json.RawMessage `json:"vision_summary"`
	S3Key           string          `json:"s3_key"`
	AssemblyLagSecs float64         `json:"assembly_lag_seconds"`
}

// AlbumExpiredPayload reports an album whose assembly TTL elapsed before
// all vision results arrived. Carries the partial set for operators.
type AlbumExpiredPayload struct {
	Envelope
	AlbumID       string   `json:"album_id"`
	ItemsCount    int      `json:"items_count"`
	ItemsAnalyzed int      `json:"items_analyzed"`
	MissingPosts  []string `json:"missing_posts"`
}

// PostsTaggedPayload reports generated tags.
type PostsTaggedPayload struct {
	Envelope
	PostID        string   `json:"post_id"`
	Tags          []string `json:"tags"`
	TagsHash      string   `json:"tags_hash"`
	Trigger       string   `json:"trigger"`
	VisionVersion int64    `json:"vision_version,omitempty"`
}

// PostsCrawledPayload reports a completed crawl enrichment.
type PostsCrawledPayload struct {
	Envelope
	PostID       string `json:"post_id"`
	CanonicalURL string `json:"canonical_url"`
	ArtifactKey  string `json:"artifact_key"`
	Reason       string `json:"reason"`
	Outcome      string `json:"outcome"`
}

// PostsEnrichedPayload is the indexer's input: the post plus whatever
// enrichment rows exist at emit time.
type PostsEnrichedPayload struct {
	Envelope
	PostID    string          `json:"post_id"`
	ChannelID int64           `json:"channel_id"`
	Text      string          `json:"text"`
	Tags      []string        `json:"tags"`
	AlbumID   string          `json:"album_id,omitempty"`
	PostedAt  time.Time       `json:"posted_at"`
	Vision    *VisionResult   `json:"vision,omitempty"`
	Crawl     json.RawMessage `json:"crawl,omitempty"`
}

// PostsIndexedPayload acknowledges a post landed in the vector store.
type PostsIndexedPayload struct {
	Envelope
	PostID    string    `json:"post_id"`
	VectorID  string    `json:"vector_id"`
	IndexedAt time.Time `json:"indexed_at"`
}
