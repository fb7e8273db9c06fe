package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Apply runs the given DDL statements in one transaction. The schema is
// small and additive-only, so ordered idempotent statements (CREATE ...
// IF NOT EXISTS) stand in for numbered migration files.
func Apply(ctx context.Context, pool *pgxpool.Pool, statements ...string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply statement %d: %w", i+1, err)
		}
	}
	return tx.Commit(ctx)
}
