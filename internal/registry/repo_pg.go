package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LoadPG reads the current registry snapshot from Postgres. The tables
// are owned by the reference-data deployment pipeline; this service only
// reads them.
func LoadPG(ctx context.Context, pool *pgxpool.Pool) (*Registry, error) {
	var version string
	err := pool.QueryRow(ctx,
		`SELECT version FROM code_registry_version ORDER BY deployed_at DESC LIMIT 1`).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("read registry version: %w", err)
	}

	rows, err := pool.Query(ctx,
		`SELECT code, category, display_name FROM code_registry_entry WHERE version = $1`, version)
	if err != nil {
		return nil, fmt.Errorf("read registry entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Code, &e.Category, &e.DisplayName); err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	setRows, err := pool.Query(ctx,
		`SELECT set_name, code FROM code_registry_set_member WHERE version = $1 ORDER BY set_name, code`, version)
	if err != nil {
		return nil, fmt.Errorf("read registry sets: %w", err)
	}
	defer setRows.Close()

	sets := make(map[string][]string)
	for setRows.Next() {
		var name, code string
		if err := setRows.Scan(&name, &code); err != nil {
			return nil, fmt.Errorf("scan registry set member: %w", err)
		}
		sets[name] = append(sets[name], code)
	}
	if err := setRows.Err(); err != nil {
		return nil, err
	}

	return New(version, entries, sets), nil
}
