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
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/enrichment"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/metrics"
)

type enrichmentStore interface {
	Upsert(ctx context.Context, postID, kind, provider string, data json.RawMessage, status, errText, paramsHash string) (int64, error)
	Get(ctx context.Context, postID, kind string) (*enrichment.Record, error)
}

type publisher interface {
	Publish(ctx context.Context, stream string, payload bus.Envelope) (string, error)
}

type tenantResolver interface {
	ResolveOr(ctx context.Context, existing string, channelID int64, postID string) (string, error)
}

// tagsData is the data column of the (post_id, 'tags') row. TenantID is
// recorded here because the tenant resolver reads it as its second source.
// VisionVersion and FeaturesHash record which vision output, if any, the
// tags were generated from; the retagger gates on them.
type tagsData struct {
	Tags          []string `json:"tags"`
	TenantID      string   `json:"tenant_id,omitempty"`
	Model         string   `json:"model"`
	VisionVersion int64    `json:"vision_version,omitempty"`
	FeaturesHash  string   `json:"features_hash,omitempty"`
}

// Tagger consumes posts.parsed and writes the initial tags enrichment.
type Tagger struct {
	cfg      config.TaggerConfig
	gen      Generator
	fallback Generator
	repo     enrichmentStore
	tenants  tenantResolver
	pub      publisher
}

// NewTagger wires the stage. fallback handles generator failures and may
// not be nil.
func NewTagger(cfg config.TaggerConfig, gen, fallback Generator,
	repo enrichmentStore, tenants tenantResolver, pub publisher) *Tagger {
	return &Tagger{cfg: cfg, gen: gen, fallback: fallback, repo: repo, tenants: tenants, pub: pub}
}

// HandlePostsParsed is the stream handler for posts.parsed.
func (t *Tagger) HandlePostsParsed(ctx context.Context, e bus.Entry) error {
	var p events.PostsParsedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if !t.cfg.Enabled {
		return nil
	}

	tenant, err := t.tenants.ResolveOr(ctx, p.TenantID, p.ChannelID, p.PostID)
	if err != nil {
		return err
	}

	input := p.Text
	var visionVersion int64
	var featuresHash string
	// A vision row that already landed sharpens the input for posts with
	// short text plus media.
	if rec, err := t.repo.Get(ctx, p.PostID, events.KindVision); err == nil {
		var v visionSummary
		if json.Unmarshal(rec.Data, &v) == nil {
			input = appendVisionText(input, v.Description, v.OCR.Text)
			visionVersion = rec.Version
			featuresHash = enrichment.ComputeFeaturesHash(v.Labels, v.Description)
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if strings.TrimSpace(input) == "" {
		slog.Debug("Skipping tagging, nothing to tag", "post_id", p.PostID)
		return nil
	}

	tags, generator := t.generate(ctx, input)
	return t.persistAndEmit(ctx, persistInput{
		postID:        p.PostID,
		tenant:        tenant,
		traceID:       e.TraceID,
		tags:          tags,
		generator:     generator,
		trigger:       events.TriggerInitial,
		visionVersion: visionVersion,
		featuresHash:  featuresHash,
	})
}

// visionSummary is the slice of vision data the tagger reads.
type visionSummary struct {
	Labels      []string `json:"labels"`
	Description string   `json:"description"`
	OCR         struct {
		Text string `json:"text"`
	} `json:"ocr"`
}

func appendVisionText(input, description, ocrText string) string {
	parts := []string{input}
	if description != "" {
		parts = append(parts, "Image description: "+description)
	}
	if ocrText != "" {
		parts = append(parts, "Text in image: "+ocrText)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// generate runs the primary generator with keyword fallback on failure.
func (t *Tagger) generate(ctx context.Context, input string) ([]string, Generator) {
	tags, err := t.gen.Generate(ctx, input, t.cfg.MaxTags)
	if err == nil {
		metrics.ProviderCalls.WithLabelValues("tagger", "ok").Inc()
		return NormalizeTags(tags, t.cfg.MaxTags), t.gen
	}
	metrics.ProviderCalls.WithLabelValues("tagger", "error").Inc()
	slog.Warn("Tag generator failed, using fallback", "generator", t.gen.Name(), "error", err)

	tags, err = t.fallback.Generate(ctx, input, t.cfg.MaxTags)
	if err != nil {
		// The keyword fallback cannot fail today; guard anyway.
		slog.Error("Tag fallback failed", "error", err)
		return nil, t.fallback
	}
	return tags, t.fallback
}

type persistInput struct {
	postID        string
	tenant        string
	traceID       string
	tags          []string
	generator     Generator
	trigger       string
	visionVersion int64
	featuresHash  string
}

// persistAndEmit upserts the tags row and publishes posts.tagged. The
// idempotency key derives from the trigger and the tag set, so a
// redelivered entry that regenerates the same tags collapses into one
// event, while a vision retag carries the vision version as its own
// discriminator and always gets through even when the tags did not move.
func (t *Tagger) persistAndEmit(ctx context.Context, in persistInput) error {
	data := tagsData{
		Tags:          in.tags,
		TenantID:      in.tenant,
		Model:         in.generator.Name() + "/" + t.cfg.Model,
		VisionVersion: in.visionVersion,
		FeaturesHash:  in.featuresHash,
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("encode tags data: %w", err))
	}

	paramsHash := enrichment.ComputeParamsHash(t.cfg.Model, t.cfg.PromptVersion,
		map[string]any{"generator": in.generator.Name()})
	if _, err := t.repo.Upsert(ctx, in.postID, events.KindTags, in.generator.Name(),
		raw, events.StatusOK, "", paramsHash); err != nil {
		return fmt.Errorf("failed to persist tags for %s: %w", in.postID, err)
	}

	tagsHash := enrichment.ComputeTagsHash(in.tags)
	idemKey := fmt.Sprintf("posts.tagged:%s:%s:%s", in.postID, in.trigger, tagsHash[:16])
	if in.trigger == events.TriggerVisionRetag {
		idemKey = fmt.Sprintf("posts.tagged:%s:%s:%d:%s",
			in.postID, in.trigger, in.visionVersion, tagsHash[:16])
	}

	payload := events.PostsTaggedPayload{
		Envelope: events.NewEnvelope(idemKey, in.traceID, in.tenant),
		PostID:   in.postID,
		Tags:     in.tags,
		TagsHash: tagsHash,
		Trigger:  in.trigger,
	}
	if in.trigger == events.TriggerVisionRetag {
		payload.VisionVersion = in.visionVersion
	}
	if _, err := t.pub.Publish(ctx, events.StreamPostsTagged, payload); err != nil {
		return fmt.Errorf("failed to publish tags for %s: %w", in.postID, err)
	}
	slog.Info("Tagged post", "post_id", in.postID, "tags", len(in.tags),
		"trigger", in.trigger, "generator", in.generator.Name())
	return nil
}
