package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/enrichment"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/media"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// estTokensPerImage is the budget estimate charged before a provider
// call; the actual usage reported by the provider is what gets recorded.
const estTokensPerImage = 1_000

type artifactStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetJSON(ctx context.Context, key string, out any) error
	PutJSON(ctx context.Context, key string, value any) error
}

type enrichmentWriter interface {
	Upsert(ctx context.Context, postID, kind, provider string, data json.RawMessage, status, errText, paramsHash string) (int64, error)
}

type publisher interface {
	Publish(ctx context.Context, stream string, payload bus.Envelope) (string, error)
}

// Analyzer consumes posts.vision.uploaded and produces one vision
// enrichment per post.
type Analyzer struct {
	cfg      config.VisionConfig
	schema   int
	policy   *PolicyGate
	budget   *Budget
	provider Provider
	fallback Provider
	store    artifactStore
	repo     enrichmentWriter
	pub      publisher
}

// NewAnalyzer wires the stage. provider should already be guarded (see
// NewGuardedProvider); fallback is the local OCR path.
func NewAnalyzer(cfg config.VisionConfig, schemaVersion int, budget *Budget,
	provider, fallback Provider, store artifactStore, repo enrichmentWriter, pub publisher) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		schema:   schemaVersion,
		policy:   NewPolicyGate(cfg),
		budget:   budget,
		provider: provider,
		fallback: fallback,
		store:    store,
		repo:     repo,
		pub:      pub,
	}
}

// fileOutcome is the per-media-file record persisted inside the
// enrichment data.
type fileOutcome struct {
	SHA256   string              `json:"sha256"`
	Key      string              `json:"key"`
	Decision Decision            `json:"decision"`
	Reason   string              `json:"reason,omitempty"`
	Result   events.VisionResult `json:"result,omitempty"`
	Analyzed bool                `json:"analyzed"`
}

// visionData is the data column of the (post_id, 'vision') row.
type visionData struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider"`
	AnalyzedAt  time.Time        `json:"analyzed_at"`
	Labels      []string         `json:"labels"`
	Description string           `json:"description"`
	OCR         events.OCRResult `json:"ocr"`
	IsMeme      bool             `json:"is_meme"`
	S3Keys      []string         `json:"s3_keys"`
	Files       []fileOutcome    `json:"files"`
}

// HandleUploaded is the stream handler for posts.vision.uploaded.
func (a *Analyzer) HandleUploaded(ctx context.Context, e bus.Entry) error {
	var p events.VisionUploadedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	tenant := p.TenantID
	if tenant == "" {
		tenant = events.TenantDefault
	}
	log := slog.With("post_id", p.PostID, "tenant", tenant, "files", len(p.MediaFiles))

	outcomes := make([]fileOutcome, 0, len(p.MediaFiles))
	analyzed := 0
	var transientErr error
	for _, file := range p.MediaFiles {
		out, err := a.analyzeFile(ctx, tenant, p.ChannelID, file)
		if err != nil {
			// Transient: leave the whole entry pending and retry; files
			// already analyzed hit the cache on the next delivery.
			transientErr = err
			continue
		}
		if out.Analyzed {
			analyzed++
		}
		outcomes = append(outcomes, out)
	}
	if transientErr != nil {
		return fmt.Errorf("vision analysis incomplete for post %s: %w", p.PostID, transientErr)
	}
	if analyzed == 0 {
		log.Info("All media files skipped by policy, no vision enrichment")
		return nil
	}

	data, providerName, status := a.aggregate(outcomes)
	paramsHash := enrichment.ComputeParamsHash(a.cfg.Model, strconv.Itoa(a.schema),
		map[string]any{"provider": providerName})

	raw, err := json.Marshal(data)
	if err != nil {
		return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("encode vision data: %w", err))
	}
	version, err := a.repo.Upsert(ctx, p.PostID, events.KindVision, providerName, raw, status, "", paramsHash)
	if err != nil {
		return fmt.Errorf("failed to persist vision enrichment for %s: %w", p.PostID, err)
	}

	result := events.VisionResult{
		Provider:    providerName,
		Model:       data.Model,
		Labels:      data.Labels,
		Description: data.Description,
		OCR:         data.OCR,
		IsMeme:      data.IsMeme,
	}
	payload := events.VisionAnalyzedPayload{
		Envelope: events.NewEnvelope(
			fmt.Sprintf("posts.vision.analyzed:%s:%d", p.PostID, version),
			e.TraceID, tenant),
		PostID:        p.PostID,
		Vision:        result,
		VisionVersion: version,
		FeaturesHash:  enrichment.ComputeFeaturesHash(data.Labels, data.Description),
	}
	if _, err := a.pub.Publish(ctx, events.StreamVisionAnalyzed, payload); err != nil {
		return fmt.Errorf("failed to publish vision result for %s: %w", p.PostID, err)
	}

	log.Info("Vision analysis complete", "analyzed", analyzed, "status", status, "version", version)
	return nil
}

// analyzeFile runs one media file through the gates, the cache and the
// provider. Only infrastructure failures return an error; policy and
// budget denials are recorded outcomes.
func (a *Analyzer) analyzeFile(ctx context.Context, tenant string, channelID int64, file events.MediaFile) (fileOutcome, error) {
	out := fileOutcome{SHA256: file.SHA256, Key: file.Key}

	decision, reason := a.policy.Decide(file, channelID)
	if decision == DecisionSkip {
		out.Decision, out.Reason = decision, reason
		return out, nil
	}

	provider := a.provider
	if decision == DecisionAnalyze && a.budget != nil {
		allowed, remaining, err := a.budget.Check(ctx, tenant, estTokensPerImage)
		if err != nil {
			return out, err
		}
		if !allowed {
			metrics.PolicyDenied.WithLabelValues("vision", "budget_exhausted").Inc()
			slog.Info("Vision budget exhausted, falling back to OCR",
				"tenant", tenant, "remaining", remaining)
			decision = DecisionOCROnly
		}
	}
	if decision == DecisionOCROnly {
		provider = a.fallback
	}
	out.Decision = decision

	cacheKey := media.VisionCacheKey(tenant, file.SHA256, provider.Name(), a.cfg.Model, a.schema)
	var cached events.VisionResult
	if err := a.store.GetJSON(ctx, cacheKey, &cached); err == nil {
		out.Result, out.Analyzed = cached, true
		return out, nil
	} else if !errors.Is(err, media.ErrNotFound) {
		return out, err
	}

	data, err := a.store.Get(ctx, file.Key)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			// The object is gone; retrying will not bring it back.
			out.Decision, out.Reason = DecisionSkip, "object_missing"
			return out, nil
		}
		return out, err
	}

	result, tokens, err := provider.Analyze(ctx, data, file.MIME)
	if err != nil && provider != a.fallback {
		slog.Warn("Vision provider failed, falling back to OCR",
			"sha256", file.SHA256, "error", err)
		out.Decision = DecisionOCROnly
		result, _, err = a.fallback.Analyze(ctx, data, file.MIME)
	}
	if err != nil {
		return out, err
	}

	if a.budget != nil && tokens > 0 {
		if err := a.budget.Increment(ctx, tenant, tokens); err != nil {
			slog.Warn("Failed to record vision token usage", "tenant", tenant, "error", err)
		}
	}
	if err := a.store.PutJSON(ctx, cacheKey, result); err != nil {
		slog.Warn("Failed to write vision cache", "key", cacheKey, "error", err)
	}

	out.Result, out.Analyzed = result, true
	return out, nil
}

// aggregate folds per-file results into the per-post record: label union
// in first-seen order, descriptions joined, OCR texts joined, is_meme as
// any-of.
func (a *Analyzer) aggregate(outcomes []fileOutcome) (visionData, string, string) {
	data := visionData{
		Model:      a.cfg.Model,
		AnalyzedAt: time.Now().UTC(),
		Files:      outcomes,
	}

	seen := map[string]bool{}
	var descriptions, ocrTexts []string
	providerName := ""
	fellBack := false
	skipped := 0

	for _, out := range outcomes {
		if !out.Analyzed {
			skipped++
			continue
		}
		data.S3Keys = append(data.S3Keys, out.Key)
		for _, label := range out.Result.Labels {
			if !seen[label] {
				seen[label] = true
				data.Labels = append(data.Labels, label)
			}
		}
		if out.Result.Description != "" {
			descriptions = append(descriptions, out.Result.Description)
		}
		if out.Result.OCR.Text != "" {
			ocrTexts = append(ocrTexts, out.Result.OCR.Text)
			if out.Result.OCR.Confidence > data.OCR.Confidence {
				data.OCR.Engine = out.Result.OCR.Engine
				data.OCR.Confidence = out.Result.OCR.Confidence
			}
		}
		data.IsMeme = data.IsMeme || out.Result.IsMeme

		if out.Decision == DecisionOCROnly {
			fellBack = true
		} else if providerName == "" {
			providerName = out.Result.Provider
		}
	}

	data.Description = strings.Join(descriptions, " ")
	data.OCR.Text = strings.Join(ocrTexts, "\n")
	if providerName == "" {
		providerName = a.fallback.Name()
	}
	data.Provider = providerName

	status := events.StatusOK
	if fellBack || skipped > 0 {
		status = events.StatusPartial
	}
	return data, providerName, status
}
