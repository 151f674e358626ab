package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleforge/teleforge/pkg/bus"
)

// Relay drains the outbox table into the event bus. Rows are claimed with
// SKIP LOCKED so multiple relay instances never publish the same row, and
// a row is only marked published after the bus accepted it. A crash
// between publish and mark re-publishes the event; consumers de-duplicate
// on the idempotency key.
type Relay struct {
	db       *sql.DB
	bus      *bus.Bus
	interval time.Duration
	batch    int
}

// NewRelay creates the outbox relay worker.
func NewRelay(db *sql.DB, b *bus.Bus, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{db: db, bus: b, interval: interval, batch: 128}
}

// outboxRow carries a stored payload back through the bus publisher. The
// headers were captured at queue time; MarshalJSON re-emits the stored
// bytes untouched.
type outboxRow struct {
	id      int64
	stream  string
	payload json.RawMessage

	idemKey   string
	traceID   string
	tenantID  string
	schemaVer int
	occurred  time.Time
}

func (r outboxRow) Headers() (string, string, string, int, time.Time) {
	return r.idemKey, r.traceID, r.tenantID, r.schemaVer, r.occurred
}

func (r outboxRow) MarshalJSON() ([]byte, error) {
	return r.payload, nil
}

// Run is the supervisor task: poll, publish, mark, sleep.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.Drain(ctx)
		if err != nil {
			slog.Error("Outbox drain failed", "error", err)
		} else if n > 0 {
			slog.Debug("Outbox drained", "published", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain publishes one claimed batch of unpublished rows. Returns how many
// rows were published and marked.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, stream, payload
		   FROM outbox_events
		  WHERE published_at IS NULL
		  ORDER BY created_at
		  LIMIT $1
		    FOR UPDATE SKIP LOCKED`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox rows: %w", err)
	}

	var claimed []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.stream, &row.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		claimed = append(claimed, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, tx.Commit()
	}

	published := 0
	for i := range claimed {
		row := &claimed[i]
		if err := decodeHeaders(row); err != nil {
			// Unparseable payloads would wedge the queue forever; dead-letter
			// them and mark published.
			slog.Error("Outbox row has invalid payload, dead-lettering",
				"id", row.id, "stream", row.stream, "error", err)
			if dlqErr := r.bus.PublishDLQ(ctx, row.stream, string(row.payload), bus.ErrCodeBadInput, 1); dlqErr != nil {
				return published, fmt.Errorf("failed to dead-letter outbox row %d: %w", row.id, dlqErr)
			}
		} else if _, err := r.bus.Publish(ctx, row.stream, *row); err != nil {
			// Leave this and later rows unpublished; ordering per stream is
			// preserved by the created_at scan.
			slog.Warn("Outbox publish failed, leaving row for retry",
				"id", row.id, "stream", row.stream, "error", err)
			break
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET published_at = now() WHERE id = $1`, row.id); err != nil {
			return published, fmt.Errorf("failed to mark outbox row %d: %w", row.id, err)
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return published, nil
}

func decodeHeaders(row *outboxRow) error {
	var probe struct {
		IdempotencyKey string    `json:"idempotency_key"`
		TraceID        string    `json:"trace_id"`
		TenantID       string    `json:"tenant_id"`
		SchemaVersion  int       `json:"schema_version"`
		OccurredAt     time.Time `json:"occurred_at"`
	}
	if err := json.Unmarshal(row.payload, &probe); err != nil {
		return err
	}
	if probe.IdempotencyKey == "" {
		return fmt.Errorf("payload missing idempotency_key")
	}
	row.idemKey = probe.IdempotencyKey
	row.traceID = probe.TraceID
	row.tenantID = probe.TenantID
	row.schemaVer = probe.SchemaVersion
	row.occurred = probe.OccurredAt
	return nil
}
