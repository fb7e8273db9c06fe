package materialize

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StatusLogDDL creates the build-status log table.
const StatusLogDDL = `
CREATE TABLE IF NOT EXISTS build_status_log (
	build_id UUID NOT NULL,
	node     TEXT NOT NULL,
	status   TEXT NOT NULL,
	cause    TEXT,
	at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_status_log_node_at
	ON build_status_log (node, at);
`

// PGStatusLog persists build-status transitions in Postgres.
type PGStatusLog struct {
	pool *pgxpool.Pool
}

func NewPGStatusLog(pool *pgxpool.Pool) *PGStatusLog {
	return &PGStatusLog{pool: pool}
}

// LatestByNode returns the newest status entry per node, the shape the
// health endpoint reports.
func (l *PGStatusLog) LatestByNode(ctx context.Context) ([]StatusEntry, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT DISTINCT ON (node) build_id, node, status, cause, at
		FROM build_status_log
		ORDER BY node, at DESC`)
	if err != nil {
		return nil, fmt.Errorf("read status log: %w", err)
	}
	defer rows.Close()

	var out []StatusEntry
	for rows.Next() {
		var (
			e      StatusEntry
			status string
			cause  *string
		)
		if err := rows.Scan(&e.BuildID, &e.Node, &status, &cause, &e.At); err != nil {
			return nil, fmt.Errorf("scan status entry: %w", err)
		}
		e.Status = Status(status)
		if cause != nil {
			e.Cause = *cause
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *PGStatusLog) Append(ctx context.Context, e StatusEntry) error {
	var cause *string
	if e.Cause != "" {
		cause = &e.Cause
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO build_status_log (build_id, node, status, cause, at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.BuildID, e.Node, string(e.Status), cause, e.At)
	if err != nil {
		return fmt.Errorf("append status log: %w", err)
	}
	return nil
}
