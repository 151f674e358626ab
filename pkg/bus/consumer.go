package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/metrics"
)

// Entry is one delivered stream entry.
type Entry struct {
	ID             string
	Stream         string
	IdempotencyKey string
	TraceID        string
	TenantID       string
	Payload        []byte
	Deliveries     int64
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return Permanent(ErrCodeBadInput, fmt.Errorf("decode %s entry %s: %w", e.Stream, e.ID, err))
	}
	return nil
}

// Handler processes one entry. Returning nil acks the entry. Returning a
// PermanentError moves it to the DLQ immediately. Any other error leaves
// the entry pending; it will be re-claimed and retried until the delivery
// budget is exhausted, then DLQed.
type Handler func(ctx context.Context, e Entry) error

// EventRecorder receives consumer failure records for run-history
// bookkeeping. Implementations must never fail the consumer.
type EventRecorder interface {
	Record(ctx context.Context, component, kind string, detail map[string]any)
}

// ConsumerOptions tune a consumer group member.
type ConsumerOptions struct {
	Group         string
	Consumer      string
	ClaimMinIdle  time.Duration
	MaxDeliveries int64
	ReadCount     int64
	BlockDuration time.Duration
	// BufferSize bounds the internal channel between the reader and the
	// processor. A full buffer blocks the reader, pausing log consumption.
	BufferSize int
	// Recorder, when set, receives retry and dead-letter records.
	Recorder EventRecorder
}

// Consumer reads one stream through a consumer group and feeds a handler.
type Consumer struct {
	bus     *Bus
	stream  string
	opts    ConsumerOptions
	handler Handler
}

// NewConsumer creates a consumer for stream. The group is created on first
// run if it does not exist.
func NewConsumer(b *Bus, stream string, opts ConsumerOptions, handler Handler) *Consumer {
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = 60 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 16
	}
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = 2 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	return &Consumer{bus: b, stream: stream, opts: opts, handler: handler}
}

// delivery pairs a raw message with its group delivery count.
type delivery struct {
	msg        redis.XMessage
	deliveries int64
}

// Run consumes until ctx is cancelled. The in-flight entry is always
// finished (acked or DLQed) before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	log := slog.With("stream", c.stream, "group", c.opts.Group, "consumer", c.opts.Consumer)
	log.Info("Consumer started")

	entries := make(chan delivery, c.opts.BufferSize)
	readerDone := make(chan struct{})
	go func() {
		defer close(entries)
		defer close(readerDone)
		c.readLoop(ctx, entries, log)
	}()

	for d := range entries {
		// The current entry is completed even during shutdown: ack/DLQ run
		// on a detached context so cancellation cannot strand it pending.
		c.process(ctx, d, log)
	}

	<-readerDone
	log.Info("Consumer stopped")
	return ctx.Err()
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	// "0" reads from the beginning so entries appended before the group
	// existed are not lost.
	err := c.bus.rdb.XGroupCreateMkStream(ctx, c.stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", c.opts.Group, c.stream, err)
	}
	return nil
}

// readLoop claims stale pending entries, then reads new ones, pushing both
// into the bounded channel.
func (c *Consumer) readLoop(ctx context.Context, out chan<- delivery, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		// 1. Claim entries another consumer left pending past ClaimMinIdle.
		claimed, err := c.claimStale(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("Claim of stale pending entries failed", "error", err)
		}
		for _, d := range claimed {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}

		// 2. Read entries new to the group.
		streams, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.opts.ReadCount,
			Block:    c.opts.BlockDuration,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Error("XReadGroup failed", "error", err)
			sleepWithJitter(ctx, 500*time.Millisecond)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				select {
				case out <- delivery{msg: msg, deliveries: 1}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// claimStale transfers ownership of pending entries idle past ClaimMinIdle
// and returns them with their delivery counts.
func (c *Consumer) claimStale(ctx context.Context) ([]delivery, error) {
	msgs, _, err := c.bus.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    c.opts.ReadCount,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("XAUTOCLAIM on %s: %w", c.stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	counts := c.deliveryCounts(ctx, msgs)
	out := make([]delivery, 0, len(msgs))
	for _, msg := range msgs {
		n := counts[msg.ID]
		if n == 0 {
			n = 2 // claimed implies at least one prior delivery
		}
		out = append(out, delivery{msg: msg, deliveries: n})
	}
	return out, nil
}

// deliveryCounts looks up per-entry delivery counters from the PEL.
func (c *Consumer) deliveryCounts(ctx context.Context, msgs []redis.XMessage) map[string]int64 {
	counts := make(map[string]int64, len(msgs))
	pending, err := c.bus.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.opts.Group,
		Start:  msgs[0].ID,
		End:    msgs[len(msgs)-1].ID,
		Count:  int64(len(msgs)),
	}).Result()
	if err != nil {
		return counts
	}
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	return counts
}

func (c *Consumer) process(ctx context.Context, d delivery, log *slog.Logger) {
	entry := c.toEntry(d)

	// Exhausted entries go straight to the DLQ; re-running the handler on
	// a poison entry only burns provider budget.
	if entry.Deliveries > c.opts.MaxDeliveries {
		c.deadLetter(entry, ErrCodeTransientExhausted, int(entry.Deliveries), log)
		return
	}

	err := c.handler(ctx, entry)
	switch {
	case err == nil, errors.Is(err, ErrMovedToDLQ):
		c.ack(entry.ID, log)
		metrics.EventsConsumed.WithLabelValues(c.stream, "ok").Inc()

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Graceful: leave pending; a healthy consumer claims it later.
		metrics.EventsConsumed.WithLabelValues(c.stream, "retried").Inc()

	default:
		if pe, ok := IsPermanent(err); ok {
			log.Warn("Permanent handler failure, dead-lettering entry",
				"entry_id", entry.ID, "code", pe.Code, "error", err)
			c.record("error", entry, err)
			c.deadLetter(entry, pe.Code, int(entry.Deliveries), log)
			return
		}
		log.Error("Handler failed, entry left pending for retry",
			"entry_id", entry.ID, "deliveries", entry.Deliveries, "error", err)
		c.record("retry", entry, err)
		metrics.EventsConsumed.WithLabelValues(c.stream, "retried").Inc()
	}
}

// record appends a run-history entry. Detached context so shutdown does
// not drop the last record.
func (c *Consumer) record(kind string, entry Entry, err error) {
	if c.opts.Recorder == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.opts.Recorder.Record(dctx, c.stream+"/"+c.opts.Group, kind, map[string]any{
		"entry_id":   entry.ID,
		"deliveries": entry.Deliveries,
		"error":      err.Error(),
	})
}

// deadLetter writes the entry to the sidecar stream and acks the original.
// Runs on a detached context so shutdown cannot leave the entry both
// pending and dead-lettered.
func (c *Consumer) deadLetter(entry Entry, code ErrorCode, attempts int, log *slog.Logger) {
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.bus.PublishDLQ(dctx, c.stream, string(entry.Payload), code, attempts); err != nil {
		// DLQ write failed: do not ack, the entry stays pending.
		log.Error("Failed to dead-letter entry", "entry_id", entry.ID, "error", err)
		return
	}
	c.ack(entry.ID, log)
	metrics.EventsConsumed.WithLabelValues(c.stream, "dlq").Inc()
}

// ack removes the entry from the pending list. Idempotent.
func (c *Consumer) ack(id string, log *slog.Logger) {
	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.bus.rdb.XAck(dctx, c.stream, c.opts.Group, id).Err(); err != nil {
		log.Warn("Failed to acknowledge entry", "entry_id", id, "error", err)
	}
}

func (c *Consumer) toEntry(d delivery) Entry {
	entry := Entry{
		ID:         d.msg.ID,
		Stream:     c.stream,
		Deliveries: d.deliveries,
	}
	if s, ok := d.msg.Values[fieldPayload].(string); ok {
		entry.Payload = []byte(s)
	}
	if s, ok := d.msg.Values[fieldIdempotencyKey].(string); ok {
		entry.IdempotencyKey = s
	}
	if s, ok := d.msg.Values[fieldTraceID].(string); ok {
		entry.TraceID = s
	}
	if s, ok := d.msg.Values[fieldTenantID].(string); ok {
		entry.TenantID = s
	}
	return entry
}
