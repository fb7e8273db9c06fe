// Package event defines the canonical clinical event: the schema-uniform
// unit every domain producer emits into the unified timeline. The schema
// is versioned and additive-only.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consolidation/internal/normalize"
)

// SchemaVersion identifies the CanonicalEvent schema. New fields are
// additive; existing fields never change meaning.
const SchemaVersion = "1"

// namespace for deterministic event ids (UUIDv5 over the provenance
// triple), fixed so rebuilds produce identical ids.
var idNamespace = uuid.MustParse("8f1c9e76-4d11-4af0-9b6b-2f3f5a1d9c44")

// ID derives the stable event id from the event's provenance triple. Two
// builds over the same source row always produce the same id, which is
// what makes rebuilds idempotent and dedupe stable.
func ID(sourceDomain, sourceView, sourceID string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(sourceDomain+"|"+sourceView+"|"+sourceID))
}

// CanonicalEvent is one clinical occurrence, suitable for cross-domain
// timeline ordering. Created by a domain producer at aggregation time,
// never mutated after emission; superseded (not edited) on rebuild.
type CanonicalEvent struct {
	PatientID      string            `db:"patient_id" json:"patient_id"`
	EventID        uuid.UUID         `db:"event_id" json:"event_id"`
	EventDate      *time.Time        `db:"event_date" json:"event_date,omitempty"`
	AgeAtEventDays *int              `db:"age_at_event_days" json:"age_at_event_days,omitempty"`
	EventType      string            `db:"event_type" json:"event_type"`
	EventCategory  string            `db:"event_category" json:"event_category"`
	EventSubtype   *string           `db:"event_subtype" json:"event_subtype,omitempty"`
	Description    string            `db:"description" json:"description"`
	Status         *string           `db:"status" json:"status,omitempty"`
	SourceDomain   string            `db:"source_domain" json:"source_domain"`
	SourceView     string            `db:"source_view" json:"source_view"`
	SourceID       string            `db:"source_id" json:"source_id"`
	ICD10Codes     []string          `db:"icd10_codes" json:"icd10_codes,omitempty"`
	SNOMEDCodes    []string          `db:"snomed_codes" json:"snomed_codes,omitempty"`
	CPTCodes       []string          `db:"cpt_codes" json:"cpt_codes,omitempty"`
	LOINCCodes     []string          `db:"loinc_codes" json:"loinc_codes,omitempty"`
	Metadata       map[string]string `db:"metadata" json:"metadata,omitempty"`
	Provenance     map[string]string `db:"provenance" json:"provenance,omitempty"`
}

// Validate checks the schema invariants the aggregator enforces before an
// event enters the unified stream.
func (e *CanonicalEvent) Validate() error {
	if e.PatientID == "" {
		return fmt.Errorf("event %s: patient_id is required", e.EventID)
	}
	// A decorated reference slipping through here would split one patient
	// into several; catch the key-format mismatch instead of letting it
	// degrade joins downstream.
	if canonical := normalize.Key(e.PatientID); canonical != e.PatientID {
		return fmt.Errorf("event %s: patient_id %q is not a canonical key (canonical form %q)", e.EventID, e.PatientID, canonical)
	}
	if e.EventID == uuid.Nil {
		return fmt.Errorf("event for patient %s: event_id is required", e.PatientID)
	}
	if e.EventType == "" {
		return fmt.Errorf("event %s: event_type is required", e.EventID)
	}
	if e.SourceDomain == "" || e.SourceView == "" || e.SourceID == "" {
		return fmt.Errorf("event %s: provenance triple (source_domain, source_view, source_id) is required", e.EventID)
	}
	if e.EventDate != nil && e.EventDate.IsZero() {
		return fmt.Errorf("event %s: event_date must be a valid timestamp or null", e.EventID)
	}
	return nil
}
