// Package config loads and validates teleforge configuration.
//
// Settings come from teleforge.yaml in the config directory, merged over
// built-in defaults. Endpoint credentials (Postgres, Redis, S3, Qdrant,
// Neo4j, LLM) come from the environment; the YAML file carries behavior
// knobs only.
package config

import "time"

// Config is the fully resolved configuration.
type Config struct {
	Bus       *BusConfig       `yaml:"bus"`
	Vision    *VisionConfig    `yaml:"vision"`
	Crawl     *CrawlConfig     `yaml:"crawl"`
	Album     *AlbumConfig     `yaml:"album"`
	Storage   *StorageConfig   `yaml:"storage"`
	Tagger    *TaggerConfig    `yaml:"tagger"`
	Indexer   *IndexerConfig   `yaml:"indexer"`
	Breaker   *BreakerConfig   `yaml:"circuit_breaker"`
	Limits    *RateLimits      `yaml:"rate_limits"`
	Retention *RetentionConfig `yaml:"retention"`
	HTTP      *HTTPConfig      `yaml:"http"`
}

// BusConfig controls stream consumption semantics.
type BusConfig struct {
	// ClaimMinIdle is how long an entry may sit unacknowledged in another
	// consumer's pending list before it is claimed.
	ClaimMinIdle time.Duration `yaml:"claim_min_idle"`
	// MaxDeliveries is the delivery cap per entry; exceeding it moves the
	// entry to the DLQ and acks the original.
	MaxDeliveries int `yaml:"max_deliveries"`
	// ReadCount is the XREADGROUP batch size.
	ReadCount int64 `yaml:"read_count"`
	// BlockDuration is the XREADGROUP block timeout.
	BlockDuration time.Duration `yaml:"block_duration"`
	// BufferSize bounds the channel between a consumer's reader and its
	// processor. When full, the reader blocks, pausing log consumption.
	BufferSize int `yaml:"buffer_size"`
	// OutboxInterval is the outbox relay polling period.
	OutboxInterval time.Duration `yaml:"outbox_interval"`
}

// VisionConfig controls the vision analyzer.
type VisionConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	Model                   string   `yaml:"model"`
	Provider                string   `yaml:"provider"`
	MaxDailyTokensPerTenant int64    `yaml:"max_daily_tokens_per_tenant"`
	AllowedMIMEs            []string `yaml:"allowed_mimes"`
	MinSizeBytes            int64    `yaml:"min_size_bytes"`
	MaxSizeBytes            int64    `yaml:"max_size_bytes"`
	DenyChannels            []int64  `yaml:"deny_channels"`
}

// CrawlConfig controls the crawl enricher.
type CrawlConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	MaxRedirects     int           `yaml:"max_redirects"`
	MinWordCount     int           `yaml:"min_word_count"`
	TriggerTags      []string      `yaml:"trigger_tags"`
	AllowedDomains   []string      `yaml:"allowed_domains"`
	DeniedDomains    []string      `yaml:"denied_domains"`
	PolicyVersion    string        `yaml:"policy_version"`
}

// AlbumConfig controls album assembly.
type AlbumConfig struct {
	// AssemblyTTL bounds how long an incomplete album is held before it
	// expires with a partial set.
	AssemblyTTL   time.Duration `yaml:"assembly_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StorageConfig controls the media CAS store.
type StorageConfig struct {
	Bucket              string        `yaml:"bucket"`
	QuotaGBPerTenant    float64       `yaml:"quota_gb_per_tenant"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	VisionSchemaVersion int           `yaml:"vision_schema_version"`
}

// TaggerConfig controls tag generation.
type TaggerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Model         string `yaml:"model"`
	Provider      string `yaml:"provider"`
	MaxTags       int    `yaml:"max_tags"`
	PromptVersion string `yaml:"prompt_version"`
}

// IndexerConfig controls the vector and graph writers.
type IndexerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	EmbeddingModel   string `yaml:"embedding_model"`
	VectorSize       uint64 `yaml:"vector_size"`
	CollectionSuffix string `yaml:"collection_suffix"`
}

// BreakerConfig is shared by the vision and crawl circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	RecoverySeconds  time.Duration `yaml:"recovery_seconds"`
}

// RateLimits are the crawl admission counters.
type RateLimits struct {
	DomainPerHour int64 `yaml:"domain_per_hour"`
	TenantPerDay  int64 `yaml:"tenant_per_day"`
}

// RetentionConfig controls the cleanup worker.
type RetentionConfig struct {
	RetentionDays   int           `yaml:"retention_days"`
	DLQRetention    time.Duration `yaml:"dlq_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// HTTPConfig controls the ops server.
type HTTPConfig struct {
	Port                    string        `yaml:"port"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultConfig returns the built-in defaults. User YAML is merged on top.
func DefaultConfig() *Config {
	return &Config{
		Bus: &BusConfig{
			ClaimMinIdle:   60 * time.Second,
			MaxDeliveries:  5,
			ReadCount:      16,
			BlockDuration:  2 * time.Second,
			BufferSize:     64,
			OutboxInterval: 500 * time.Millisecond,
		},
		Vision: &VisionConfig{
			Enabled:                 true,
			Model:                   "gpt-4o-mini",
			Provider:                "openai",
			MaxDailyTokensPerTenant: 500_000,
			AllowedMIMEs:            []string{"image/jpeg", "image/png", "image/webp"},
			MinSizeBytes:            1 << 10,
			MaxSizeBytes:            20 << 20,
		},
		Crawl: &CrawlConfig{
			Enabled:          true,
			FetchTimeout:     15 * time.Second,
			MaxResponseBytes: 10 << 20,
			MaxRedirects:     3,
			MinWordCount:     120,
			TriggerTags:      []string{"news", "longread", "research"},
			PolicyVersion:    "v1",
		},
		Album: &AlbumConfig{
			AssemblyTTL:   24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Storage: &StorageConfig{
			Bucket:              "teleforge",
			QuotaGBPerTenant:    15,
			SweepInterval:       10 * time.Minute,
			VisionSchemaVersion: 1,
		},
		Tagger: &TaggerConfig{
			Enabled:       true,
			Model:         "gpt-4o-mini",
			Provider:      "openai",
			MaxTags:       8,
			PromptVersion: "v1",
		},
		Indexer: &IndexerConfig{
			Enabled:          true,
			EmbeddingModel:   "text-embedding-3-small",
			VectorSize:       1536,
			CollectionSuffix: "channels",
		},
		Breaker: &BreakerConfig{
			FailureThreshold: 5,
			RecoverySeconds:  60 * time.Second,
		},
		Limits: &RateLimits{
			DomainPerHour: 30,
			TenantPerDay:  500,
		},
		Retention: &RetentionConfig{
			RetentionDays:   90,
			DLQRetention:    7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		HTTP: &HTTPConfig{
			Port:                    "8080",
			GracefulShutdownTimeout: 30 * time.Second,
		},
	}
}
