// Package enrichment is the single write path for post enrichments.
//
// Every enrichment row is keyed (post_id, kind) and written through an
// upsert, so at most one row exists per kind and repeated writes are
// idempotent. A caller that does not supply a params hash never erases an
// existing one: the upsert COALESCEs the incoming value with the stored
// one.
package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/teleforge/teleforge/pkg/events"
)

// Record is one post_enrichment row.
type Record struct {
	PostID     string
	Kind       string
	Provider   string
	ParamsHash sql.NullString
	Data       json.RawMessage
	Status     string
	Error      sql.NullString
	Version    int64
}

// Repository wraps the post_enrichment table plus the legacy scalar
// columns on posts that older consumers still read.
type Repository struct {
	db *sql.DB
}

// NewRepository creates the repository on the shared pool.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const upsertSQL = `
INSERT INTO post_enrichment (post_id, kind, provider, params_hash, data, status, error, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), now())
ON CONFLICT (post_id, kind) DO UPDATE SET
    provider    = EXCLUDED.provider,
    params_hash = COALESCE(EXCLUDED.params_hash, post_enrichment.params_hash),
    data        = EXCLUDED.data,
    status      = EXCLUDED.status,
    error       = EXCLUDED.error,
    version     = post_enrichment.version + 1,
    updated_at  = now()
RETURNING version`

// Upsert writes one enrichment row and returns the resulting row version.
// paramsHash may be empty; the existing hash is preserved in that case.
func (r *Repository) Upsert(ctx context.Context, postID, kind, provider string, data json.RawMessage, status string, errText, paramsHash string) (int64, error) {
	if !validKind(kind) {
		return 0, fmt.Errorf("bad_input: unknown enrichment kind %q", kind)
	}
	if data == nil {
		data = json.RawMessage("{}")
	}

	var version int64
	err := r.db.QueryRowContext(ctx, upsertSQL,
		postID, kind, provider,
		nullable(paramsHash), []byte(data), status, nullable(errText),
	).Scan(&version)
	if err != nil {
		// The conflict target is the primary key, so a uniqueness error
		// here means a schema drift bug, not a caller mistake.
		if strings.Contains(err.Error(), "duplicate key") {
			slog.Error("Integrity violation on enrichment upsert",
				"post_id", postID, "kind", kind, "error", err)
			return 0, fmt.Errorf("integrity_violation: upsert (post_id, kind)=(%s, %s): %w", postID, kind, err)
		}
		return 0, fmt.Errorf("failed to upsert enrichment (%s, %s): %w", postID, kind, err)
	}

	if err := r.syncLegacyColumns(ctx, postID, kind, data); err != nil {
		// Legacy sync is best-effort compatibility, never a write failure.
		slog.Warn("Failed to sync legacy columns", "post_id", postID, "kind", kind, "error", err)
	}
	return version, nil
}

// legacyVision is the subset of vision data mirrored onto posts.
type legacyVision struct {
	Description    string `json:"description"`
	Classification string `json:"classification"`
	OCR            struct {
		Text string `json:"text"`
	} `json:"ocr"`
}

// syncLegacyColumns mirrors vision and tags data onto the scalar posts
// columns existing consumers still read.
func (r *Repository) syncLegacyColumns(ctx context.Context, postID, kind string, data json.RawMessage) error {
	switch kind {
	case events.KindVision:
		var v legacyVision
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode vision data: %w", err)
		}
		_, err := r.db.ExecContext(ctx,
			`UPDATE posts SET description = $2, classification = $3, ocr_text = $4 WHERE id = $1`,
			postID, v.Description, v.Classification, v.OCR.Text)
		return err

	case events.KindTags:
		var t struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode tags data: %w", err)
		}
		// JSON array of strings → text[] column.
		_, err := r.db.ExecContext(ctx,
			`UPDATE posts SET tags = $2 WHERE id = $1`,
			postID, pq.Array(t.Tags))
		return err
	}
	return nil
}

// Get returns one enrichment row, or sql.ErrNoRows.
func (r *Repository) Get(ctx context.Context, postID, kind string) (*Record, error) {
	rec := &Record{}
	err := r.db.QueryRowContext(ctx,
		`SELECT post_id, kind, provider, params_hash, data, status, error, version
		   FROM post_enrichment WHERE post_id = $1 AND kind = $2`,
		postID, kind,
	).Scan(&rec.PostID, &rec.Kind, &rec.Provider, &rec.ParamsHash, &rec.Data, &rec.Status, &rec.Error, &rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get enrichment (%s, %s): %w", postID, kind, err)
	}
	return rec, nil
}

// ListLatest returns every enrichment row of a post.
func (r *Repository) ListLatest(ctx context.Context, postID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT post_id, kind, provider, params_hash, data, status, error, version
		   FROM post_enrichment WHERE post_id = $1 ORDER BY kind`,
		postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichments for %s: %w", postID, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{}
		if err := rows.Scan(&rec.PostID, &rec.Kind, &rec.Provider, &rec.ParamsHash,
			&rec.Data, &rec.Status, &rec.Error, &rec.Version); err != nil {
			return nil, fmt.Errorf("failed to scan enrichment row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func validKind(kind string) bool {
	switch kind {
	case events.KindVision, events.KindTags, events.KindCrawl, events.KindGeneral:
		return true
	}
	return false
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
