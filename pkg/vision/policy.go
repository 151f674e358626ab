// Package vision analyzes post media and persists one vision enrichment
// per post.
//
// Each media file passes a policy gate (MIME, size, channel deny list), a
// per-tenant daily token budget and a result cache before the provider is
// called. Provider failures fall back to local OCR so a post never loses
// its enrichment entirely.
package vision

import (
	"strings"

	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// Decision is the per-file outcome of the policy gate.
type Decision string

const (
	DecisionAnalyze Decision = "analyze"
	DecisionSkip    Decision = "skip"
	DecisionOCROnly Decision = "ocr_only"
)

// PolicyGate evaluates static admission rules for one media file.
type PolicyGate struct {
	cfg          config.VisionConfig
	allowedMIMEs map[string]bool
	denyChannels map[int64]bool
}

// NewPolicyGate precomputes the lookup sets.
func NewPolicyGate(cfg config.VisionConfig) *PolicyGate {
	g := &PolicyGate{
		cfg:          cfg,
		allowedMIMEs: make(map[string]bool, len(cfg.AllowedMIMEs)),
		denyChannels: make(map[int64]bool, len(cfg.DenyChannels)),
	}
	for _, m := range cfg.AllowedMIMEs {
		g.allowedMIMEs[strings.ToLower(m)] = true
	}
	for _, c := range cfg.DenyChannels {
		g.denyChannels[c] = true
	}
	return g
}

// Decide returns the admission decision and, for skips, the reason.
func (g *PolicyGate) Decide(file events.MediaFile, channelID int64) (Decision, string) {
	if !g.cfg.Enabled {
		return g.deny("vision_disabled")
	}
	if g.denyChannels[channelID] {
		return g.deny("channel_denied")
	}
	if !g.allowedMIMEs[strings.ToLower(file.MIME)] {
		return g.deny("mime_not_allowed")
	}
	if g.cfg.MinSizeBytes > 0 && file.SizeBytes < g.cfg.MinSizeBytes {
		return g.deny("too_small")
	}
	if g.cfg.MaxSizeBytes > 0 && file.SizeBytes > g.cfg.MaxSizeBytes {
		return g.deny("too_large")
	}
	return DecisionAnalyze, ""
}

func (g *PolicyGate) deny(reason string) (Decision, string) {
	metrics.PolicyDenied.WithLabelValues("vision", reason).Inc()
	return DecisionSkip, reason
}
