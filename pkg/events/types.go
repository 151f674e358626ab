// Package events defines the stream names and typed payloads that flow
// through the processing pipeline.
//
// Every stage consumes one stream and emits one or more downstream events;
// there are no direct in-process calls across stages. Stream keys follow
// the "stream:<domain>.<event>" convention, DLQ sidecars append ".dlq".
//
// Every payload travels inside an Envelope carrying schema_version,
// idempotency_key, trace_id and occurred_at. Consumers must treat the
// idempotency key as the de-duplication key: delivery is at-least-once.
package events

// Stream names. These are contractual; renaming one is a breaking change
// for every deployed consumer group.
const (
	StreamPostsParsed    = "stream:posts.parsed"
	StreamVisionUploaded = "stream:posts.vision.uploaded"
	StreamVisionAnalyzed = "stream:posts.vision.analyzed"
	StreamAlbumsParsed   = "stream:albums.parsed"
	StreamAlbumAssembled = "stream:album.assembled"
	StreamAlbumExpired   = "stream:album.assembly_expired"
	StreamPostsTagged    = "stream:posts.tagged"
	StreamPostsCrawled   = "stream:posts.crawled"
	StreamPostsEnriched  = "stream:posts.enriched"
	StreamPostsIndexed   = "stream:posts.indexed"
)

// DLQStream returns the dead-letter sidecar stream for a base stream.
func DLQStream(stream string) string {
	return stream + ".dlq"
}

// SchemaVersion is stamped into every envelope this build publishes.
const SchemaVersion = 1

// TenantDefault is the sentinel tenant. It must never silently mask a real
// tenant id; the resolver logs a warning whenever it falls back to it.
const TenantDefault = "default"

// Tag triggers (PostsTaggedPayload.Trigger).
const (
	TriggerInitial     = "initial"
	TriggerVisionRetag = "vision_retag"
	TriggerManual      = "manual"
)

// Media roles (PostMediaMap.role).
const (
	MediaRolePrimary    = "primary"
	MediaRoleAttachment = "attachment"
)

// Enrichment kinds. At most one post_enrichment row exists per (post, kind).
const (
	KindVision  = "vision"
	KindTags    = "tags"
	KindCrawl   = "crawl"
	KindGeneral = "general"
)

// Enrichment statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)
