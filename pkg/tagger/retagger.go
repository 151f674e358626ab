package tagger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/events"
)

// Retagger consumes posts.vision.analyzed and regenerates tags when vision
// output meaningfully changed. It shares the tagger's generation and
// persistence path and differs only in trigger and gate.
//
// It deliberately does not consume posts.tagged: a vision_retag event can
// therefore never cause another retag.
type Retagger struct {
	tagger *Tagger
	db     *sql.DB
}

// NewRetagger wires the stage on the shared pool.
func NewRetagger(tagger *Tagger, db *sql.DB) *Retagger {
	return &Retagger{tagger: tagger, db: db}
}

// HandleVisionAnalyzed is the stream handler for posts.vision.analyzed.
func (r *Retagger) HandleVisionAnalyzed(ctx context.Context, e bus.Entry) error {
	var p events.VisionAnalyzedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if !r.tagger.cfg.Enabled {
		return nil
	}

	rec, err := r.tagger.repo.Get(ctx, p.PostID, events.KindTags)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No tags yet. The initial tagger will pick up the vision row
			// when it runs; nothing to regenerate.
			return nil
		}
		return err
	}
	var stored tagsData
	if err := json.Unmarshal(rec.Data, &stored); err != nil {
		return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("decode tags data for %s: %w", p.PostID, err))
	}

	// Retag only when this vision run is newer than the one the tags were
	// generated from, or its features actually changed.
	if p.VisionVersion <= stored.VisionVersion && p.FeaturesHash == stored.FeaturesHash {
		slog.Debug("Vision output unchanged, skipping retag",
			"post_id", p.PostID, "vision_version", p.VisionVersion)
		return nil
	}

	var text string
	err = r.db.QueryRowContext(ctx, `SELECT COALESCE(text, '') FROM posts WHERE id = $1`, p.PostID).Scan(&text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("post %s not found for retag", p.PostID))
		}
		return fmt.Errorf("failed to load post %s for retag: %w", p.PostID, err)
	}

	input := appendVisionText(text, p.Vision.Description, p.Vision.OCR.Text)
	if strings.TrimSpace(input) == "" {
		return nil
	}

	tenant := p.TenantID
	if tenant == "" {
		tenant = stored.TenantID
	}
	if tenant == "" {
		tenant = events.TenantDefault
	}

	tags, generator := r.tagger.generate(ctx, input)
	return r.tagger.persistAndEmit(ctx, persistInput{
		postID:        p.PostID,
		tenant:        tenant,
		traceID:       e.TraceID,
		tags:          tags,
		generator:     generator,
		trigger:       events.TriggerVisionRetag,
		visionVersion: p.VisionVersion,
		featuresHash:  p.FeaturesHash,
	})
}
