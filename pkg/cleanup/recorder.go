package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
)

// Episodic event kinds.
const (
	EventRun   = "run"
	EventError = "error"
	EventRetry = "retry"
)

// Recorder appends component run history to episodic_memory. Recording is
// observability, not correctness: failures are logged and swallowed so a
// full table or a flaky pool never breaks a consumer.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder on the shared pool.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record appends one episodic event.
func (r *Recorder) Record(ctx context.Context, component, kind string, detail map[string]any) {
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO episodic_memory (component, event_kind, detail) VALUES ($1, $2, $3)`,
		component, kind, raw)
	if err != nil {
		slog.Warn("Failed to record episodic event",
			"component", component, "kind", kind, "error", err)
	}
}
