package database

import (
	"context"
	"database/sql"
	"time"
)

// A slow ping is as useless to the health endpoint as a failed one.
const healthPingTimeout = 2 * time.Second

// PoolStats is the slice of sql.DBStats the ops API reports.
type PoolStats struct {
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	Idle       int   `json:"idle"`
	MaxOpen    int   `json:"max_open"`
	WaitCount  int64 `json:"wait_count"`
	WaitMillis int64 `json:"wait_ms"`
}

// HealthStatus is the database section of the /health payload.
type HealthStatus struct {
	Status       string    `json:"status"`
	ResponseTime int64     `json:"response_time_ms"`
	Pool         PoolStats `json:"pool"`
}

// Health pings the database and snapshots the pool.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	s := db.Stats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		Pool: PoolStats{
			Open:       s.OpenConnections,
			InUse:      s.InUse,
			Idle:       s.Idle,
			MaxOpen:    s.MaxOpenConnections,
			WaitCount:  s.WaitCount,
			WaitMillis: s.WaitDuration.Milliseconds(),
		},
	}, nil
}
