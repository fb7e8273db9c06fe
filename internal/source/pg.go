package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig describes how one source view maps onto a Postgres relation.
type PGConfig struct {
	View      string   // relation name, already schema-qualified if needed
	KeyColumn string   // column holding the raw entity reference
	Columns   []string // data columns surfaced into Record.Fields
}

// PG reads one source view through a pgx pool. Supported predicate clauses
// are pushed down to SQL; the adapter is strictly read-only.
type PG struct {
	pool *pgxpool.Pool
	cfg  PGConfig
}

func NewPG(pool *pgxpool.Pool, cfg PGConfig) *PG {
	return &PG{pool: pool, cfg: cfg}
}

func (a *PG) View() string { return a.cfg.View }

func (a *PG) Fetch(ctx context.Context, p Predicate) ([]Record, error) {
	sql, args := a.buildQuery(p)

	rows, err := a.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, &MissingUpstreamError{View: a.cfg.View, Err: err}
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", a.cfg.View, err)
		}
		rec := Record{View: a.cfg.View, Fields: make(map[string]any, len(a.cfg.Columns))}
		if values[0] != nil {
			rec.Key = fmt.Sprintf("%v", values[0])
		}
		for i, col := range a.cfg.Columns {
			if values[i+1] != nil {
				rec.Fields[col] = values[i+1]
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &MissingUpstreamError{View: a.cfg.View, Err: err}
	}
	return out, nil
}

func (a *PG) buildQuery(p Predicate) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(a.cfg.KeyColumn)
	for _, col := range a.cfg.Columns {
		b.WriteString(", ")
		b.WriteString(col)
	}
	b.WriteString(" FROM ")
	b.WriteString(a.cfg.View)

	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(p.PatientKeys) > 0 {
		clauses = append(clauses, a.cfg.KeyColumn+" = ANY("+arg(p.PatientKeys)+")")
	}
	if len(p.CodePrefixes) > 0 && p.CodeField != "" {
		var ors []string
		for _, prefix := range p.CodePrefixes {
			ors = append(ors, p.CodeField+" LIKE "+arg(prefix+"%"))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if len(p.Keywords) > 0 && p.TextField != "" {
		var ors []string
		for _, kw := range p.Keywords {
			ors = append(ors, p.TextField+" ILIKE "+arg("%"+kw+"%"))
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if p.DateField != "" {
		if !p.From.IsZero() {
			clauses = append(clauses, p.DateField+" >= "+arg(p.From))
		}
		if !p.To.IsZero() {
			clauses = append(clauses, p.DateField+" <= "+arg(p.To))
		}
	}

	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(a.cfg.KeyColumn)

	return b.String(), args
}
