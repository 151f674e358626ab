// Package bus implements the event bus on Redis Streams.
//
// Publishing appends an entry to a stream; consuming reads through a
// consumer group, so each entry is owned by exactly one consumer at a time
// and stays in the group's pending-entry list until acknowledged. Delivery
// is at-least-once: consumers de-duplicate on the envelope's idempotency
// key. Entries that exhaust their delivery budget move to a ".dlq" sidecar
// stream and the original is acknowledged.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/metrics"
)

// Field names used inside stream entries.
const (
	fieldPayload        = "payload"
	fieldIdempotencyKey = "idempotency_key"
	fieldTraceID        = "trace_id"
	fieldTenantID       = "tenant_id"
	fieldSchemaVersion  = "schema_version"
	fieldOccurredAt     = "occurred_at"
)

const (
	publishAttempts  = 3
	publishBaseDelay = 100 * time.Millisecond
	dlqMaxLen        = 10_000
	dlqRetention     = 7 * 24 * time.Hour
	streamMaxLen     = 1_000_000
)

// Envelope is the minimal header interface the bus needs from a payload.
type Envelope interface {
	Headers() (idempotencyKey, traceID, tenantID string, schemaVersion int, occurredAt time.Time)
}

// Bus publishes events and owns DLQ bookkeeping.
type Bus struct {
	rdb *redis.Client
	db  *sql.DB
}

// New creates a Bus on an existing Redis client.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// WithDLQStore attaches a durable mirror for dead-letter records. The
// sidecar stream stays the replay source; the dlq_events rows survive
// Redis retention and feed the cleanup pass.
func (b *Bus) WithDLQStore(db *sql.DB) *Bus {
	b.db = db
	return b
}

// Client exposes the underlying Redis client for components that share it
// (album state, budget counters, dedup sets).
func (b *Bus) Client() *redis.Client {
	return b.rdb
}

// Publish appends payload to stream and returns the assigned log id.
// Failures are retried locally with exponential backoff; after the attempt
// budget a DLQ record is written and a publish_failed error returned.
func (b *Bus) Publish(ctx context.Context, stream string, payload Envelope) (string, error) {
	idemKey, traceID, tenantID, schemaVersion, occurredAt := payload.Headers()
	if idemKey == "" {
		return "", Permanent(ErrCodeBadInput, fmt.Errorf("publish to %s: empty idempotency key", stream))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Permanent(ErrCodeBadInput, fmt.Errorf("publish to %s: marshal payload: %w", stream, err))
	}

	values := map[string]any{
		fieldPayload:        string(body),
		fieldIdempotencyKey: idemKey,
		fieldTraceID:        traceID,
		fieldTenantID:       tenantID,
		fieldSchemaVersion:  strconv.Itoa(schemaVersion),
		fieldOccurredAt:     occurredAt.UTC().Format(time.RFC3339Nano),
	}

	var lastErr error
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			sleepWithJitter(ctx, publishBaseDelay*time.Duration(1<<(attempt-1)))
		}
		id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: streamMaxLen,
			Approx: true,
			Values: values,
		}).Result()
		if err == nil {
			metrics.EventsPublished.WithLabelValues(stream).Inc()
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	if dlqErr := b.PublishDLQ(ctx, stream, string(body), ErrCodePublishFailed, publishAttempts); dlqErr != nil {
		slog.Error("Failed to write publish-failure DLQ record",
			"stream", stream, "error", dlqErr)
	}
	return "", fmt.Errorf("%s: publish to %s after %d attempts: %w",
		ErrCodePublishFailed, stream, publishAttempts, lastErr)
}

// PublishDLQ writes a dead-letter record to the base stream's sidecar.
// The snippet is truncated so poison payloads cannot bloat the DLQ.
func (b *Bus) PublishDLQ(ctx context.Context, baseStream, payload string, code ErrorCode, attempts int) error {
	const snippetMax = 2048
	if len(payload) > snippetMax {
		payload = payload[:snippetMax]
	}

	dlq := baseStream + ".dlq"
	nextRetry := time.Now().UTC().Add(time.Hour)
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		MaxLen: dlqMaxLen,
		Approx: true,
		Values: map[string]any{
			"base_event":      baseStream,
			"payload_snippet": payload,
			"error_code":      string(code),
			"attempts":        strconv.Itoa(attempts),
			"next_retry_at":   nextRetry.Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add DLQ record for %s: %w", baseStream, err)
	}

	// Durable mirror; failure is non-fatal, the sidecar record stands.
	if b.db != nil {
		if _, err := b.db.ExecContext(ctx,
			`INSERT INTO dlq_events (redis_id, source_stream, payload_snippet, error_code, attempts, next_retry_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, baseStream, payload, string(code), attempts, nextRetry); err != nil {
			slog.Warn("Failed to mirror DLQ record", "stream", dlq, "id", id, "error", err)
		}
	}

	// Retention on the sidecar; failure is non-fatal.
	if err := b.rdb.Expire(ctx, dlq, dlqRetention).Err(); err != nil {
		slog.Warn("Failed to set DLQ retention", "stream", dlq, "error", err)
	}
	b.observeDLQDepth(ctx, baseStream)
	return nil
}

// observeDLQDepth refreshes the backlog gauge after a sidecar write.
func (b *Bus) observeDLQDepth(ctx context.Context, baseStream string) {
	n, err := b.rdb.XLen(ctx, baseStream+".dlq").Result()
	if err != nil {
		return
	}
	metrics.DLQDepth.WithLabelValues(baseStream).Set(float64(n))
}

// DLQDepth returns the current backlog of a base stream's DLQ.
func (b *Bus) DLQDepth(ctx context.Context, baseStream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, baseStream+".dlq").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read DLQ depth for %s: %w", baseStream, err)
	}
	return n, nil
}

// ListDLQ returns up to count newest DLQ records for a base stream.
func (b *Bus) ListDLQ(ctx context.Context, baseStream string, count int64) ([]redis.XMessage, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, baseStream+".dlq", "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read DLQ for %s: %w", baseStream, err)
	}
	return msgs, nil
}

// ReplayDLQ writes a DLQ record's payload back into the base stream and
// deletes it from the sidecar. Operator-driven; the replayed entry gets a
// fresh log id but keeps its original idempotency key.
func (b *Bus) ReplayDLQ(ctx context.Context, baseStream, dlqID string) error {
	dlq := baseStream + ".dlq"
	msgs, err := b.rdb.XRange(ctx, dlq, dlqID, dlqID).Result()
	if err != nil || len(msgs) == 0 {
		return fmt.Errorf("DLQ record %s not found in %s", dlqID, dlq)
	}

	snippet, _ := msgs[0].Values["payload_snippet"].(string)
	var hdr struct {
		IdempotencyKey string `json:"idempotency_key"`
		TraceID        string `json:"trace_id"`
		TenantID       string `json:"tenant_id"`
		SchemaVersion  int    `json:"schema_version"`
	}
	if err := json.Unmarshal([]byte(snippet), &hdr); err != nil {
		return Permanent(ErrCodeBadInput, fmt.Errorf("replay %s: payload snippet is not valid JSON: %w", dlqID, err))
	}

	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: baseStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			fieldPayload:        snippet,
			fieldIdempotencyKey: hdr.IdempotencyKey,
			fieldTraceID:        hdr.TraceID,
			fieldTenantID:       hdr.TenantID,
			fieldSchemaVersion:  strconv.Itoa(hdr.SchemaVersion),
			fieldOccurredAt:     time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to replay %s into %s: %w", dlqID, baseStream, err)
	}

	if err := b.rdb.XDel(ctx, dlq, dlqID).Err(); err != nil {
		slog.Warn("Failed to delete replayed DLQ record", "stream", dlq, "id", dlqID, "error", err)
	}

	// The mirror row is done once its entry went back to the base stream.
	if b.db != nil {
		if _, err := b.db.ExecContext(ctx,
			`UPDATE dlq_events SET terminal = true WHERE source_stream = $1 AND redis_id = $2`,
			baseStream, dlqID); err != nil {
			slog.Warn("Failed to mark mirrored DLQ record terminal", "stream", dlq, "id", dlqID, "error", err)
		}
	}
	b.observeDLQDepth(ctx, baseStream)
	return nil
}

// sleepWithJitter waits d scaled by a full-jitter factor, or until ctx ends.
func sleepWithJitter(ctx context.Context, d time.Duration) {
	jittered := time.Duration(rand.Int64N(int64(d)) + 1)
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}
