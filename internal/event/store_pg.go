package event

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the unified timeline in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// DDL creates the canonical event table. Schema changes are additive-only.
const DDL = `
CREATE TABLE IF NOT EXISTS canonical_event (
	event_id          UUID PRIMARY KEY,
	patient_id        TEXT NOT NULL,
	event_date        TIMESTAMPTZ,
	age_at_event_days INTEGER,
	event_type        TEXT NOT NULL,
	event_category    TEXT NOT NULL,
	event_subtype     TEXT,
	description       TEXT NOT NULL DEFAULT '',
	status            TEXT,
	source_domain     TEXT NOT NULL,
	source_view       TEXT NOT NULL,
	source_id         TEXT NOT NULL,
	icd10_codes       TEXT[],
	snomed_codes      TEXT[],
	cpt_codes         TEXT[],
	loinc_codes       TEXT[],
	metadata          JSONB,
	provenance        JSONB,
	schema_version    TEXT NOT NULL,
	built_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_canonical_event_patient_date
	ON canonical_event (patient_id, event_date);
`

const eventCols = `event_id, patient_id, event_date, age_at_event_days,
	event_type, event_category, event_subtype, description, status,
	source_domain, source_view, source_id,
	icd10_codes, snomed_codes, cpt_codes, loinc_codes, metadata, provenance`

// Replace supersedes the previous build inside one transaction, so
// readers never observe a partially written timeline.
func (s *PGStore) Replace(ctx context.Context, events []CanonicalEvent) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM canonical_event`); err != nil {
		return fmt.Errorf("clear previous build: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		batch.Queue(`
			INSERT INTO canonical_event (`+eventCols+`, schema_version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			e.EventID, e.PatientID, e.EventDate, e.AgeAtEventDays,
			e.EventType, e.EventCategory, e.EventSubtype, e.Description, e.Status,
			e.SourceDomain, e.SourceView, e.SourceID,
			e.ICD10Codes, e.SNOMEDCodes, e.CPTCodes, e.LOINCCodes, e.Metadata, e.Provenance,
			SchemaVersion)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGStore) ListByPatient(ctx context.Context, patientID string, from, to *time.Time, limit, offset int) ([]CanonicalEvent, int, error) {
	var (
		clauses = []string{"patient_id = $1"}
		args    = []any{patientID}
	)
	if from != nil {
		args = append(args, *from)
		clauses = append(clauses, fmt.Sprintf("event_date >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, *to)
		clauses = append(clauses, fmt.Sprintf("event_date <= $%d", len(args)))
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM canonical_event WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventCols+` FROM canonical_event
		WHERE `+where+`
		ORDER BY event_date NULLS LAST, event_id
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []CanonicalEvent
	for rows.Next() {
		var e CanonicalEvent
		if err := rows.Scan(&e.EventID, &e.PatientID, &e.EventDate, &e.AgeAtEventDays,
			&e.EventType, &e.EventCategory, &e.EventSubtype, &e.Description, &e.Status,
			&e.SourceDomain, &e.SourceView, &e.SourceID,
			&e.ICD10Codes, &e.SNOMEDCodes, &e.CPTCodes, &e.LOINCCodes, &e.Metadata, &e.Provenance); err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
