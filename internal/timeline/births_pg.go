package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consolidation/internal/normalize"
)

// PGBirthDates reads the birth-date reference from the demographics view.
type PGBirthDates struct {
	pool *pgxpool.Pool
}

func NewPGBirthDates(pool *pgxpool.Pool) *PGBirthDates {
	return &PGBirthDates{pool: pool}
}

func (b *PGBirthDates) BirthDate(ctx context.Context, patientID string) (time.Time, bool, error) {
	var raw *time.Time
	err := b.pool.QueryRow(ctx,
		`SELECT birth_date FROM patient_demographics WHERE patient_id = $1`,
		patientID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("birth date for %s: %w", patientID, err)
	}
	bd, ok := normalize.Timestamp(raw)
	return bd, ok, nil
}
