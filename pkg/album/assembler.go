package album

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/media"
	"github.com/teleforge/teleforge/pkg/metrics"
)

type artifactStore interface {
	PutJSON(ctx context.Context, key string, value any) error
}

type publisher interface {
	Publish(ctx context.Context, stream string, payload bus.Envelope) (string, error)
}

// Assembler is the album state machine consumer. It reacts to
// albums.parsed (create/grow) and posts.vision.analyzed (collect), and
// emits exactly one album.assembled per completed album.
type Assembler struct {
	db     *sql.DB
	state  *stateStore
	store  artifactStore
	pub    publisher
	cfg    config.AlbumConfig
	schema int
}

// NewAssembler wires the stage.
func NewAssembler(db *sql.DB, rdb *redis.Client, store artifactStore, pub publisher,
	cfg config.AlbumConfig, schemaVersion int) *Assembler {
	return &Assembler{
		db:     db,
		state:  newStateStore(rdb, cfg.AssemblyTTL),
		store:  store,
		pub:    pub,
		cfg:    cfg,
		schema: schemaVersion,
	}
}

// groupInfo is the DB-side identity of an album.
type groupInfo struct {
	ID         string
	TenantID   string
	ChannelID  int64
	GroupedID  int64
	ItemsCount int
}

// itemSummary is the per-post fragment stored in the state record and
// aggregated at assembly.
type itemSummary struct {
	PostID      string   `json:"post_id"`
	Position    int      `json:"position"`
	Labels      []string `json:"labels"`
	Description string   `json:"description"`
	OCRText     string   `json:"ocr_text"`
	IsMeme      bool     `json:"is_meme"`
}

// albumSummary is the aggregated artifact uploaded to the object store
// and written into media_groups.meta.enrichment.
type albumSummary struct {
	AlbumID       string    `json:"album_id"`
	Labels        []string  `json:"labels"`
	Description   string    `json:"description"`
	OCRText       string    `json:"ocr_text"`
	HasMeme       bool      `json:"has_meme"`
	ItemsCount    int       `json:"items_count"`
	ItemsAnalyzed int       `json:"items_analyzed"`
	AssembledAt   time.Time `json:"assembled_at"`
	SchemaVersion int       `json:"schema_version"`
}

// HandleAlbumsParsed creates or grows the album state record, then probes
// for completeness in case every vision result already arrived.
func (a *Assembler) HandleAlbumsParsed(ctx context.Context, e bus.Entry) error {
	var p events.AlbumsParsedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if p.GroupID == "" || p.ItemsCount <= 0 {
		return bus.Permanent(bus.ErrCodeBadInput,
			fmt.Errorf("albums.parsed entry %s missing group_id or items_count", e.ID))
	}

	if err := a.state.Ensure(ctx, p.GroupID, p.ItemsCount); err != nil {
		return err
	}
	slog.Info("Album sighted", "group_id", p.GroupID, "items_count", p.ItemsCount)

	transition, err := a.state.Record(ctx, p.GroupID, "", "")
	if err != nil {
		return err
	}
	if transition == transitionAssemble {
		return a.assemble(ctx, p.GroupID, e.TraceID)
	}
	return nil
}

// HandleVisionAnalyzed collects one post's vision result into its album,
// assembling when the set completes. Posts outside any album ack quietly.
func (a *Assembler) HandleVisionAnalyzed(ctx context.Context, e bus.Entry) error {
	var p events.VisionAnalyzedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}

	info, position, err := a.lookupGroup(ctx, p.PostID)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	summary := itemSummary{
		PostID:      p.PostID,
		Position:    position,
		Labels:      p.Vision.Labels,
		Description: p.Vision.Description,
		OCRText:     p.Vision.OCR.Text,
		IsMeme:      p.Vision.IsMeme,
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("encode item summary: %w", err))
	}

	// Vision can outrun albums.parsed; the DB row is the fallback source
	// of the expectation.
	if err := a.state.Ensure(ctx, info.ID, info.ItemsCount); err != nil {
		return err
	}
	transition, err := a.state.Record(ctx, info.ID, p.PostID, string(raw))
	if err != nil {
		return err
	}

	switch transition {
	case transitionAssemble:
		return a.assemble(ctx, info.ID, e.TraceID)
	case transitionDone:
		slog.Debug("Album already assembled, ignoring late vision result",
			"group_id", info.ID, "post_id", p.PostID)
	}
	return nil
}

// lookupGroup finds the album a post belongs to via the DB, not the
// event, which is what makes split-batch albums assemble correctly.
func (a *Assembler) lookupGroup(ctx context.Context, postID string) (*groupInfo, int, error) {
	info := &groupInfo{}
	var position int
	err := a.db.QueryRowContext(ctx,
		`SELECT mg.id, mg.tenant_id, mg.channel_id, mg.grouped_id, mg.items_count, mgi.position
		   FROM media_groups mg
		   JOIN media_group_items mgi ON mgi.group_id = mg.id
		  WHERE mgi.post_id = $1`,
		postID,
	).Scan(&info.ID, &info.TenantID, &info.ChannelID, &info.GroupedID, &info.ItemsCount, &position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to look up album for post %s: %w", postID, err)
	}
	return info, position, nil
}

// assemble runs once per album, guarded by the assembled_at sentinel. Any
// failure clears the sentinel so a later delivery can re-trigger it.
func (a *Assembler) assemble(ctx context.Context, groupID, traceID string) (err error) {
	defer func() {
		if err != nil {
			if clearErr := a.state.ClearAssembled(ctx, groupID); clearErr != nil {
				slog.Error("Failed to clear assembly sentinel after error",
					"group_id", groupID, "error", clearErr)
			}
			metrics.AlbumsAssembled.WithLabelValues("error").Inc()
		}
	}()

	snap, err := a.state.Snapshot(ctx, groupID)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("album state %s vanished before assembly", groupID)
	}

	var tenantID string
	err = a.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM media_groups WHERE id = $1`, groupID).Scan(&tenantID)
	if err != nil {
		return fmt.Errorf("failed to load media group %s: %w", groupID, err)
	}

	summary := a.aggregate(groupID, snap)
	key := media.AlbumSummaryKey(tenantID, groupID, a.schema)
	if err = a.store.PutJSON(ctx, key, summary); err != nil {
		return err
	}

	enrichmentJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode album summary: %w", err)
	}
	if _, err = a.db.ExecContext(ctx,
		`UPDATE media_groups
		    SET meta = jsonb_set(meta, '{enrichment}', $2::jsonb, true)
		  WHERE id = $1`,
		groupID, enrichmentJSON); err != nil {
		return fmt.Errorf("failed to write album enrichment %s: %w", groupID, err)
	}

	lag := time.Since(snap.CreatedAt).Seconds()
	payload := events.AlbumAssembledPayload{
		Envelope:        events.NewEnvelope("album.assembled:"+groupID, traceID, tenantID),
		AlbumID:         groupID,
		ItemsCount:      snap.Expected,
		ItemsAnalyzed:   len(snap.Received),
		VisionSummary:   enrichmentJSON,
		S3Key:           key,
		AssemblyLagSecs: lag,
	}
	if _, err = a.pub.Publish(ctx, events.StreamAlbumAssembled, payload); err != nil {
		return err
	}

	metrics.AlbumsAssembled.WithLabelValues("assembled").Inc()
	metrics.AssemblyLag.Observe(lag)
	if err := a.state.Delete(ctx, groupID); err != nil {
		slog.Warn("Failed to delete assembled album state", "group_id", groupID, "error", err)
	}
	slog.Info("Album assembled",
		"group_id", groupID, "items", snap.Expected, "lag_seconds", lag)
	return nil
}

// aggregate folds the received item summaries in position order: label
// union in first-seen order, descriptions concatenated, OCR texts
// unioned, has_meme as any-of.
func (a *Assembler) aggregate(groupID string, snap *snapshot) albumSummary {
	items := make([]itemSummary, 0, len(snap.Received))
	for postID, raw := range snap.Received {
		var item itemSummary
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			slog.Warn("Skipping undecodable item summary", "group_id", groupID, "post_id", postID)
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })

	out := albumSummary{
		AlbumID:       groupID,
		ItemsCount:    snap.Expected,
		ItemsAnalyzed: len(items),
		AssembledAt:   time.Now().UTC(),
		SchemaVersion: a.schema,
	}
	seenLabel := map[string]bool{}
	seenOCR := map[string]bool{}
	var descriptions, ocrTexts []string
	for _, item := range items {
		for _, label := range item.Labels {
			if !seenLabel[label] {
				seenLabel[label] = true
				out.Labels = append(out.Labels, label)
			}
		}
		if item.Description != "" {
			descriptions = append(descriptions, item.Description)
		}
		if item.OCRText != "" && !seenOCR[item.OCRText] {
			seenOCR[item.OCRText] = true
			ocrTexts = append(ocrTexts, item.OCRText)
		}
		out.HasMeme = out.HasMeme || item.IsMeme
	}
	out.Description = strings.Join(descriptions, " ")
	out.OCRText = strings.Join(ocrTexts, "\n")
	return out
}
