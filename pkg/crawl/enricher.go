package crawl

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/enrichment"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/media"
	"github.com/teleforge/teleforge/pkg/metrics"
)

// Crawl outcomes, persisted in the enrichment row and the emitted event.
const (
	OutcomeOK           = "ok"
	OutcomeSSRFDenied   = "ssrf_denied"
	OutcomeBudgetDenied = "budget_denied"
	OutcomeTimeout      = "timeout"
	OutcomeNetwork      = "network"
	OutcomeParse        = "parse"
)

// Trigger reasons.
const (
	TriggerURLPresent = "url_present"
	TriggerTagMatch   = "tag_in_trigger_list"
	TriggerLongText   = "word_count_threshold"
)

type artifactStore interface {
	PutGzip(ctx context.Context, key string, data []byte, contentType string) error
}

type enrichmentWriter interface {
	Upsert(ctx context.Context, postID, kind, provider string, data json.RawMessage, status, errText, paramsHash string) (int64, error)
	Get(ctx context.Context, postID, kind string) (*enrichment.Record, error)
}

type publisher interface {
	Publish(ctx context.Context, stream string, payload bus.Envelope) (string, error)
}

// ssrfGuard is the admission check interface; *Guard is the production
// implementation.
type ssrfGuard interface {
	Check(ctx context.Context, canonical string) error
}

// Enricher consumes posts.parsed and posts.tagged and crawls triggered
// URLs.
type Enricher struct {
	cfg     config.CrawlConfig
	limits  config.RateLimits
	db      *sql.DB
	rdb     *redis.Client
	guard   ssrfGuard
	fetcher *Fetcher
	store   artifactStore
	repo    enrichmentWriter
	pub     publisher
}

// NewEnricher wires the stage.
func NewEnricher(cfg config.CrawlConfig, limits config.RateLimits, db *sql.DB, rdb *redis.Client,
	guard ssrfGuard, fetcher *Fetcher, store artifactStore, repo enrichmentWriter, pub publisher) *Enricher {
	return &Enricher{
		cfg:     cfg,
		limits:  limits,
		db:      db,
		rdb:     rdb,
		guard:   guard,
		fetcher: fetcher,
		store:   store,
		repo:    repo,
		pub:     pub,
	}
}

// crawlData is the data column of the (post_id, 'crawl') row.
type crawlData struct {
	CanonicalURL string    `json:"canonical_url"`
	ArtifactKey  string    `json:"artifact_key,omitempty"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason"`
	StatusCode   int       `json:"status_code,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// HandlePostsParsed is the stream handler for posts.parsed.
func (c *Enricher) HandlePostsParsed(ctx context.Context, e bus.Entry) error {
	var p events.PostsParsedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if !c.cfg.Enabled {
		return nil
	}

	urls := ExtractURLs(p.Text)
	reason, triggered := c.trigger(p, urls)
	if !triggered {
		return nil
	}
	if len(urls) == 0 {
		// Triggered by tags or length but nothing to fetch.
		return nil
	}
	tenant := p.TenantID
	if tenant == "" {
		tenant = events.TenantDefault
	}

	// First URL is the primary target; the trigger taxonomy logs all
	// reasons but one artifact per post is enough.
	return c.crawlAndRecord(ctx, p.PostID, tenant, e.TraceID, urls[0], reason)
}

// HandlePostsTagged is the stream handler for posts.tagged. Tags land
// after posts.parsed is handled, so a post admitted by its tags alone is
// crawled here instead.
func (c *Enricher) HandlePostsTagged(ctx context.Context, e bus.Entry) error {
	var p events.PostsTaggedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	if !c.cfg.Enabled || !c.tagsMatch(p.Tags) {
		return nil
	}
	// A crawl row from the parse-time pass already covers this post.
	if _, err := c.repo.Get(ctx, p.PostID, events.KindCrawl); err == nil {
		return nil
	}

	var text string
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(text, '') FROM posts WHERE id = $1`, p.PostID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("post %s not found", p.PostID))
	}
	if err != nil {
		return fmt.Errorf("failed to load post %s: %w", p.PostID, err)
	}

	urls := ExtractURLs(text)
	if len(urls) == 0 {
		return nil
	}
	tenant := p.TenantID
	if tenant == "" {
		tenant = events.TenantDefault
	}
	return c.crawlAndRecord(ctx, p.PostID, tenant, e.TraceID, urls[0], TriggerTagMatch)
}

// crawlAndRecord runs one crawl, persists the (post_id, 'crawl') row, and
// emits posts.crawled.
func (c *Enricher) crawlAndRecord(ctx context.Context, postID, tenant, traceID, rawURL, reason string) error {
	data, err := c.crawlOne(ctx, tenant, rawURL, reason)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return bus.Permanent(bus.ErrCodeBadInput, fmt.Errorf("encode crawl data: %w", err))
	}
	status := events.StatusOK
	errText := ""
	if data.Outcome != OutcomeOK {
		status = events.StatusPartial
		errText = data.Outcome
	}
	paramsHash := enrichment.ComputeParamsHash("crawler", c.cfg.PolicyVersion,
		map[string]any{"canonical_url": data.CanonicalURL})
	if _, err := c.repo.Upsert(ctx, postID, events.KindCrawl, "crawler", raw, status, errText, paramsHash); err != nil {
		return fmt.Errorf("failed to persist crawl enrichment for %s: %w", postID, err)
	}

	payload := events.PostsCrawledPayload{
		Envelope:     events.NewEnvelope("posts.crawled:"+postID, traceID, tenant),
		PostID:       postID,
		CanonicalURL: data.CanonicalURL,
		ArtifactKey:  data.ArtifactKey,
		Reason:       reason,
		Outcome:      data.Outcome,
	}
	if _, err := c.pub.Publish(ctx, events.StreamPostsCrawled, payload); err != nil {
		return fmt.Errorf("failed to publish crawl result for %s: %w", postID, err)
	}
	return nil
}

// tagsMatch reports whether any tag is in the trigger list.
func (c *Enricher) tagsMatch(tags []string) bool {
	for _, tag := range tags {
		for _, trigger := range c.cfg.TriggerTags {
			if strings.EqualFold(tag, trigger) {
				return true
			}
		}
	}
	return false
}

// trigger evaluates the OR of the admission predicates; the first
// triggered reason is primary, all are logged.
func (c *Enricher) trigger(p events.PostsParsedPayload, urls []string) (string, bool) {
	var reasons []string
	if len(urls) > 0 {
		reasons = append(reasons, TriggerURLPresent)
	}
	if c.tagTriggered(p.PostID) {
		reasons = append(reasons, TriggerTagMatch)
	}
	if c.cfg.MinWordCount > 0 && len(strings.Fields(p.Text)) >= c.cfg.MinWordCount {
		reasons = append(reasons, TriggerLongText)
	}
	if len(reasons) == 0 {
		return "", false
	}
	if len(reasons) > 1 {
		slog.Debug("Crawl triggered by multiple reasons", "post_id", p.PostID, "reasons", reasons)
	}
	return reasons[0], true
}

// tagTriggered checks the post's tags enrichment against the trigger tag
// list. Missing rows simply do not trigger.
func (c *Enricher) tagTriggered(postID string) bool {
	if len(c.cfg.TriggerTags) == 0 {
		return false
	}
	rec, err := c.repo.Get(context.Background(), postID, events.KindTags)
	if err != nil {
		return false
	}
	var tags struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(rec.Data, &tags); err != nil {
		return false
	}
	for _, tag := range tags.Tags {
		for _, trigger := range c.cfg.TriggerTags {
			if strings.EqualFold(tag, trigger) {
				return true
			}
		}
	}
	return false
}

// crawlOne runs the full pipeline for one URL. Only infrastructure
// failures return an error; every policy outcome lands in crawlData.
func (c *Enricher) crawlOne(ctx context.Context, tenant, rawURL, reason string) (crawlData, error) {
	data := crawlData{FetchedAt: time.Now().UTC(), Reason: reason}

	canonical, err := Canonicalize(rawURL)
	if err != nil {
		data.Outcome = OutcomeParse
		data.CanonicalURL = rawURL
		return data, nil
	}
	data.CanonicalURL = canonical

	if err := c.guard.Check(ctx, canonical); err != nil {
		var denied *ErrSSRFDenied
		if errors.As(err, &denied) {
			metrics.PolicyDenied.WithLabelValues("crawl", "ssrf").Inc()
			data.Outcome = OutcomeSSRFDenied
			return data, nil
		}
		// Resolution failure is a network problem, retryable.
		return data, err
	}

	dedupKey := c.dedupKey(canonical)
	artifactKey := media.CrawlKey(tenant, dedupKey, "html")
	fresh, err := c.rdb.SetNX(ctx, "crawl:seen:"+dedupKey, time.Now().Unix(), 30*24*time.Hour).Result()
	if err != nil {
		return data, fmt.Errorf("failed to check crawl dedup: %w", err)
	}
	if !fresh {
		// Already crawled under this policy version; reuse the artifact.
		data.Outcome = OutcomeOK
		data.ArtifactKey = artifactKey
		return data, nil
	}

	if allowed, which := c.budgetAllows(ctx, tenant, Domain(canonical)); !allowed {
		metrics.PolicyDenied.WithLabelValues("crawl", which).Inc()
		data.Outcome = OutcomeBudgetDenied
		data.Reason = which
		// Unclaim the dedup key so a later, in-budget attempt fetches.
		c.rdb.Del(ctx, "crawl:seen:"+dedupKey)
		return data, nil
	}

	result, err := c.fetcher.Fetch(ctx, canonical)
	if err != nil {
		c.rdb.Del(ctx, "crawl:seen:"+dedupKey)
		switch {
		case errors.Is(err, ErrBreakerOpen):
			data.Outcome = OutcomeNetwork
			data.Reason = "breaker_open"
			return data, nil
		case IsTimeout(err):
			data.Outcome = OutcomeTimeout
			return data, nil
		default:
			data.Outcome = OutcomeNetwork
			return data, nil
		}
	}
	data.StatusCode = result.StatusCode
	data.Truncated = result.Truncated

	if err := c.store.PutGzip(ctx, artifactKey, result.Body, result.ContentType); err != nil {
		c.rdb.Del(ctx, "crawl:seen:"+dedupKey)
		return data, err
	}
	data.Outcome = OutcomeOK
	data.ArtifactKey = artifactKey
	return data, nil
}

// dedupKey is sha256(canonical_url || policy_version): bumping the policy
// version invalidates the global seen-set at once.
func (c *Enricher) dedupKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical + "\x00" + c.cfg.PolicyVersion))
	return hex.EncodeToString(sum[:])
}

// budgetAllows checks the per-domain/hour and per-tenant/day counters.
func (c *Enricher) budgetAllows(ctx context.Context, tenant, domain string) (bool, string) {
	now := time.Now().UTC()
	if c.limits.DomainPerHour > 0 && domain != "" {
		key := "crawl:budget:domain:" + domain + ":" + now.Format("2006-01-02T15")
		if !c.counterAllows(ctx, key, c.limits.DomainPerHour, 2*time.Hour) {
			return false, "domain_budget"
		}
	}
	if c.limits.TenantPerDay > 0 {
		key := "crawl:budget:tenant:" + tenant + ":" + now.Format("2006-01-02")
		if !c.counterAllows(ctx, key, c.limits.TenantPerDay, 25*time.Hour) {
			return false, "tenant_budget"
		}
	}
	return true, ""
}

func (c *Enricher) counterAllows(ctx context.Context, key string, limit int64, ttl time.Duration) bool {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("Failed to bump crawl budget counter, allowing", "key", key, "error", err)
		return true
	}
	return incr.Val() <= limit
}
