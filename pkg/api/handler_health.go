package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teleforge/teleforge/pkg/database"
	"github.com/teleforge/teleforge/pkg/version"
)

// Health aggregates database, redis and supervisor health. The endpoint
// answers 200 only when every dependency is reachable and the worker set
// is at least degraded-healthy.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	deps := gin.H{}
	healthy := true

	dbHealth, err := database.Health(ctx, s.db)
	deps["database"] = dbHealth
	if err != nil {
		healthy = false
	}

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		deps["redis"] = gin.H{"status": "unhealthy", "error": err.Error()}
		healthy = false
	} else {
		deps["redis"] = gin.H{"status": "healthy"}
	}

	workers := s.sup.Health()
	deps["workers"] = workers
	if workers.Status == "unhealthy" {
		healthy = false
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if workers.Status == "degraded" {
		status = "degraded"
	}

	c.JSON(code, gin.H{"status": status, "version": version.Full(), "dependencies": deps})
}
