// Package encounter turns encounter records into canonical timeline
// events, mapping the encounter class to an event category.
package encounter

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/normalize"
	"github.com/ehr/consolidation/internal/source"
)

const (
	Domain = "encounter"
	View   = "encounter_record"
)

// classCategories maps FHIR encounter classes to timeline categories.
// Unknown classes fall back to "other".
var classCategories = map[string]string{
	"AMB":    "outpatient",
	"IMP":    "inpatient",
	"EMER":   "emergency",
	"HH":     "home_health",
	"VR":     "virtual",
	"OBSENC": "observation",
}

// Producer reads the encounter view and emits one event per encounter.
type Producer struct {
	encounters source.Adapter
	logger     zerolog.Logger
}

func NewProducer(encounters source.Adapter, logger zerolog.Logger) *Producer {
	return &Producer{encounters: encounters, logger: logger}
}

// Snapshot is one fully built pass over the encounter view.
type Snapshot struct {
	Events    []event.CanonicalEvent
	Anomalies []string
}

func (p *Producer) Build(ctx context.Context) (*Snapshot, error) {
	recs, err := p.encounters.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", View, err)
	}

	snap := &Snapshot{Events: make([]event.CanonicalEvent, 0, len(recs))}
	for _, nev := range normalize.FromRecords(recs, "period_start") {
		encounterID, ok := nev.Record.String("encounter_id")
		if nev.Key == "" || !ok {
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: row without patient key or encounter id dropped", View))
			continue
		}

		class, _ := nev.Record.String("class")
		category, known := classCategories[strings.ToUpper(class)]
		if !known {
			category = "other"
		}

		description, _ := nev.Record.String("reason")
		if description == "" {
			description = "Encounter"
		}
		ev := event.CanonicalEvent{
			PatientID:     nev.Key,
			EventID:       event.ID(Domain, View, encounterID),
			EventType:     "encounter",
			EventCategory: category,
			Description:   description,
			Status:        nev.Record.StringPtr("status"),
			SourceDomain:  Domain,
			SourceView:    View,
			SourceID:      encounterID,
			Metadata:      map[string]string{},
			Provenance:    map[string]string{},
		}
		if class != "" {
			ev.Metadata["class"] = class
		}
		if nev.HasTime {
			ts := nev.Timestamp
			ev.EventDate = &ts
		}
		if end, ok := nev.FieldTime("period_end"); ok {
			ev.Metadata["period_end"] = end.Format("2006-01-02T15:04:05.000Z07:00")
		}
		if nev.ParseFailed {
			ev.Provenance["parse_failed"] = "true"
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: unparseable period_start for encounter %s", View, encounterID))
		}
		snap.Events = append(snap.Events, ev)
	}
	return snap, nil
}
