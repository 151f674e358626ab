// Package api is the ops HTTP surface: health, metrics, a raw ingest
// endpoint and DLQ inspection/replay.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/teleforge/teleforge/pkg/bus"
	"github.com/teleforge/teleforge/pkg/config"
	"github.com/teleforge/teleforge/pkg/ingest"
	"github.com/teleforge/teleforge/pkg/media"
	"github.com/teleforge/teleforge/pkg/supervisor"
)

// Server is the ops API server.
type Server struct {
	cfg   config.HTTPConfig
	db    *sql.DB
	rdb   *redis.Client
	bus   *bus.Bus
	sup   *supervisor.Supervisor
	saver *ingest.Saver
	store *media.Store

	httpSrv *http.Server
}

// NewServer wires the server; Run starts it.
func NewServer(cfg config.HTTPConfig, db *sql.DB, rdb *redis.Client, b *bus.Bus,
	sup *supervisor.Supervisor, saver *ingest.Saver, store *media.Store) *Server {
	return &Server{cfg: cfg, db: db, rdb: rdb, bus: b, sup: sup, saver: saver, store: store}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/ingest", s.Ingest)
		v1.GET("/dlq/:stream", s.ListDLQ)
		v1.POST("/dlq/:stream/replay", s.ReplayDLQ)
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("API server stopped")
	return nil
}

// requestLogger logs one line per request with latency and status.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds())
	}
}
