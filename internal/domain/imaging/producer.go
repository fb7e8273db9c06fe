// Package imaging turns imaging studies into canonical timeline events.
// The modality comes straight off the record; LOINC codes are preserved
// on the event.
package imaging

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/normalize"
	"github.com/ehr/consolidation/internal/source"
)

const (
	Domain = "imaging"
	View   = "imaging_study"
)

// Producer reads the imaging-study view and emits one event per study.
type Producer struct {
	studies source.Adapter
	logger  zerolog.Logger
}

func NewProducer(studies source.Adapter, logger zerolog.Logger) *Producer {
	return &Producer{studies: studies, logger: logger}
}

// Snapshot is one fully built pass over the imaging view.
type Snapshot struct {
	Events    []event.CanonicalEvent
	Anomalies []string
}

func (p *Producer) Build(ctx context.Context) (*Snapshot, error) {
	recs, err := p.studies.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", View, err)
	}

	snap := &Snapshot{Events: make([]event.CanonicalEvent, 0, len(recs))}
	for _, nev := range normalize.FromRecords(recs, "study_date") {
		studyID, ok := nev.Record.String("study_id")
		if nev.Key == "" || !ok {
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: row without patient key or study id dropped", View))
			continue
		}

		description, _ := nev.Record.String("description")
		ev := event.CanonicalEvent{
			PatientID:     nev.Key,
			EventID:       event.ID(Domain, View, studyID),
			EventType:     "imaging_study",
			EventCategory: "imaging",
			EventSubtype:  nev.Record.StringPtr("modality"),
			Description:   description,
			Status:        nev.Record.StringPtr("status"),
			SourceDomain:  Domain,
			SourceView:    View,
			SourceID:      studyID,
			Provenance:    map[string]string{},
		}
		if code, ok := nev.Record.String("loinc_code"); ok {
			ev.LOINCCodes = []string{code}
		}
		if nev.HasTime {
			ts := nev.Timestamp
			ev.EventDate = &ts
		}
		if nev.ParseFailed {
			ev.Provenance["parse_failed"] = "true"
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: unparseable study_date for study %s", View, studyID))
		}
		snap.Events = append(snap.Events, ev)
	}
	return snap, nil
}
