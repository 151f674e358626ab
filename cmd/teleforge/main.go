// Teleforge worker server: consumes the event streams, runs the
// enrichment pipeline, and serves the ops HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/album"
	"github.com/teleforge/teleforge/pkg/api"
	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/cleanup"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/crawl"
	"github.com/teleforge/teleforge/pkg/database"
	"github.com/teleforge/teleforge/pkg/enrichment"
	"github.com/teleforge/teleforge/pkg/events"
	"github.com/teleforge/teleforge/pkg/indexer"
	"github.com/teleforge/teleforge/pkg/ingest"
	"github.com/teleforge/teleforge/pkg/media"
	"github.com/teleforge/teleforge/pkg/supervisor"
	"github.com/teleforge/teleforge/pkg/tagger"
	"github.com/teleforge/teleforge/pkg/tenant"
	"github.com/teleforge/teleforge/pkg/version"
	"github.com/teleforge/teleforge/pkg/vision"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the consumer identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	podID := resolvePodID()
	slog.Info("Starting teleforge", "version", version.Full(), "pod_id", podID, "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. PostgreSQL (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	// 3. Redis: the bus, album state, budgets and dedup counters
	rdb := redis.NewClient(&redis.Options{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	b := bus.New(rdb).WithDLQStore(db)

	// 4. Object store
	s3Client, err := newS3Client(ctx)
	if err != nil {
		slog.Error("Failed to configure object store client", "error", err)
		os.Exit(1)
	}
	store := media.NewStore(s3Client, rdb, cfg.Storage.Bucket, cfg.Storage.QuotaGBPerTenant)

	// 5. Shared persistence layers
	repo := enrichment.NewRepository(db)
	resolver := tenant.NewResolver(db)
	saver := ingest.NewSaver(db)
	relay := ingest.NewRelay(db, b, cfg.Bus.OutboxInterval)
	sweeper := media.NewSweeper(db, store, rdb, cfg.Storage.SweepInterval)
	store.OnQuotaExceeded(sweeper.FreeUnreferenced)

	// 6. Pipeline stages
	visionProvider := vision.NewGuardedProvider(
		vision.NewOpenAIProvider(cfg.Vision.Model), *cfg.Breaker)
	analyzer := vision.NewAnalyzer(*cfg.Vision, cfg.Storage.VisionSchemaVersion,
		vision.NewBudget(rdb, cfg.Vision.MaxDailyTokensPerTenant),
		visionProvider, vision.NewOCRFallback(), store, repo, b)

	assembler := album.NewAssembler(db, rdb, store, b, *cfg.Album, cfg.Storage.VisionSchemaVersion)

	crawler := crawl.NewEnricher(*cfg.Crawl, *cfg.Limits, db, rdb,
		crawl.NewGuard(cfg.Crawl.AllowedDomains, cfg.Crawl.DeniedDomains, nil),
		crawl.NewFetcher(*cfg.Crawl, *cfg.Breaker), store, repo, b)

	tag := tagger.NewTagger(*cfg.Tagger,
		tagger.NewLLMGenerator(cfg.Tagger.Model), tagger.KeywordGenerator{},
		repo, resolver, b)
	retagger := tagger.NewRetagger(tag, db)

	emitter := enrichment.NewEmitter(db, repo, b)

	ix, err := newIndexer(ctx, cfg, db, b)
	if err != nil {
		slog.Error("Failed to initialize indexer", "error", err)
		os.Exit(1)
	}

	// 7. Worker registration
	sup := supervisor.New()
	recorder := cleanup.NewRecorder(db)
	opts := func(group string) bus.ConsumerOptions {
		return bus.ConsumerOptions{
			Group:         group,
			Consumer:      podID,
			ClaimMinIdle:  cfg.Bus.ClaimMinIdle,
			MaxDeliveries: int64(cfg.Bus.MaxDeliveries),
			ReadCount:     cfg.Bus.ReadCount,
			BlockDuration: cfg.Bus.BlockDuration,
			BufferSize:    cfg.Bus.BufferSize,
			Recorder:      recorder,
		}
	}
	consume := func(name, stream, group string, handler bus.Handler) {
		c := bus.NewConsumer(b, stream, opts(group), handler)
		sup.Register(name, c.Run, supervisor.DefaultRestartPolicy())
	}

	sup.Register("outbox-relay", relay.Run, supervisor.DefaultRestartPolicy())
	consume("vision-analyzer", events.StreamVisionUploaded, "vision", analyzer.HandleUploaded)
	consume("album-assembler", events.StreamAlbumsParsed, "album", assembler.HandleAlbumsParsed)
	consume("album-vision", events.StreamVisionAnalyzed, "album", assembler.HandleVisionAnalyzed)
	sup.Register("album-expiry", assembler.RunExpiry, supervisor.DefaultRestartPolicy())
	consume("tagger", events.StreamPostsParsed, "tagger", tag.HandlePostsParsed)
	consume("retagger", events.StreamVisionAnalyzed, "retagger", retagger.HandleVisionAnalyzed)
	consume("crawl-enricher", events.StreamPostsParsed, "crawl", crawler.HandlePostsParsed)
	consume("crawl-tagged", events.StreamPostsTagged, "crawl", crawler.HandlePostsTagged)
	consume("enriched-emitter", events.StreamPostsTagged, "enriched", emitter.HandlePostsTagged)
	consume("indexer", events.StreamPostsEnriched, "indexer", ix.HandlePostsEnriched)
	consume("indexer-albums", events.StreamAlbumAssembled, "indexer", ix.HandleAlbumAssembled)
	sup.Register("quota-sweep", sweeper.Run, supervisor.DefaultRestartPolicy())

	if err := sup.Start(ctx); err != nil {
		slog.Error("Failed to start supervisor", "error", err)
		os.Exit(1)
	}

	// 8. Retention cleanup
	retention := cleanup.NewService(cfg.Retention, db)
	retention.Start(ctx)

	// 9. Ops HTTP API (blocks until shutdown)
	server := api.NewServer(*cfg.HTTP, db, rdb, b, sup, saver, store)
	if err := server.Run(ctx); err != nil {
		slog.Error("API server failed", "error", err)
	}

	// 10. Graceful shutdown: workers finish their in-flight entries
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.GracefulShutdownTimeout)
	defer cancel()
	sup.Stop(shutdownCtx)
	retention.Stop()
	slog.Info("Shutdown complete")
}

// newS3Client builds the object store client. S3_ENDPOINT switches to a
// path-style self-hosted store; credentials come from S3_ACCESS_KEY or the
// default AWS chain.
func newS3Client(ctx context.Context) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(getEnv("S3_REGION", "us-east-1")),
	}
	if accessKey := os.Getenv("S3_ACCESS_KEY"); accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, os.Getenv("S3_SECRET_KEY"), "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// newIndexer builds the vector and graph clients and the indexer stage.
func newIndexer(ctx context.Context, cfg *config.Config, db *sql.DB, b *bus.Bus) (*indexer.Indexer, error) {
	qdrantPort, err := strconv.Atoi(getEnv("QDRANT_PORT", "6334"))
	if err != nil {
		return nil, err
	}
	qc, err := qdrant.NewClient(&qdrant.Config{
		Host:   getEnv("QDRANT_HOST", "localhost"),
		Port:   qdrantPort,
		APIKey: os.Getenv("QDRANT_API_KEY"),
		UseTLS: os.Getenv("QDRANT_USE_TLS") == "true",
	})
	if err != nil {
		return nil, err
	}

	driver, err := neo4j.NewDriverWithContext(
		getEnv("NEO4J_URI", "bolt://localhost:7687"),
		neo4j.BasicAuth(getEnv("NEO4J_USER", "neo4j"), os.Getenv("NEO4J_PASSWORD"), ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		slog.Warn("Neo4j not reachable at startup, writes will retry", "error", err)
	}

	return indexer.NewIndexer(*cfg.Indexer, db,
		indexer.NewOpenAIEmbedder(cfg.Indexer.EmbeddingModel),
		indexer.NewQdrantWriter(qc, cfg.Indexer.VectorSize),
		indexer.NewNeo4jWriter(driver), b), nil
}
