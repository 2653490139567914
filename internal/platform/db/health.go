package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of the connection pool exposed on the database
// health endpoint.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats snapshots the pool counters. Healthy means at least one
// connection is established.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
		Healthy:         s.TotalConns() > 0,
	}
}

type healthReport struct {
	Status    string     `json:"status"`
	PingMs    int64      `json:"ping_ms"`
	Error     string     `json:"error,omitempty"`
	Pool      *PoolStats `json:"pool"`
	CheckedAt time.Time  `json:"checked_at"`
}

// HealthHandler probes the database with a bounded ping and reports the
// round-trip time alongside pool statistics. A failed ping returns 503 so
// load balancers pull the instance.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		pingErr := pool.Ping(ctx)
		report := &healthReport{
			Status:    "healthy",
			PingMs:    time.Since(start).Milliseconds(),
			Pool:      GetPoolStats(pool),
			CheckedAt: time.Now().UTC(),
		}

		if pingErr != nil {
			report.Status = "unhealthy"
			report.Error = pingErr.Error()
			report.Pool.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
