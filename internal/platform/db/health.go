package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolHealth is the connection-pool slice of the health payload.
type PoolHealth struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// BuildStatusFunc supplies the most recent build activity for the health
// payload, typically the newest status-log entry per node. Nil is allowed
// for commands that run no builds.
type BuildStatusFunc func(ctx context.Context) (any, error)

// HealthHandler reports database reachability plus the last build pass.
// Only an unreachable database flips the status to 503: a failed or
// missing build is visible in the payload but the service can still
// serve whatever timeline was materialized before.
func HealthHandler(pool *pgxpool.Pool, build BuildStatusFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stat := pool.Stat()
		code, payload := healthPayload(ctx, pool.Ping(ctx), PoolHealth{
			Total:    stat.TotalConns(),
			Idle:     stat.IdleConns(),
			Acquired: stat.AcquiredConns(),
			Max:      stat.MaxConns(),
		}, build)
		return c.JSON(code, payload)
	}
}

func healthPayload(ctx context.Context, pingErr error, pool PoolHealth, build BuildStatusFunc) (int, map[string]any) {
	payload := map[string]any{"pool": pool}
	if build != nil {
		if last, err := build(ctx); err != nil {
			payload["last_build_error"] = err.Error()
		} else {
			payload["last_build"] = last
		}
	}
	if pingErr != nil {
		payload["status"] = "unhealthy"
		payload["error"] = pingErr.Error()
		return http.StatusServiceUnavailable, payload
	}
	payload["status"] = "healthy"
	return http.StatusOK, payload
}
