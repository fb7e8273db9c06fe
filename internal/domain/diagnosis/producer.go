// Package diagnosis turns condition records into canonical timeline
// events, with the diagnosis subtype assigned by an ICD-10 prefix rule
// set.
package diagnosis

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/classify"
	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/normalize"
	"github.com/ehr/consolidation/internal/source"
)

const (
	Domain = "diagnosis"
	View   = "condition_record"
)

// Producer reads the condition view and emits one event per condition.
type Producer struct {
	conditions source.Adapter
	subtypes   *classify.RuleSet
	logger     zerolog.Logger
}

func NewProducer(conditions source.Adapter, subtypes *classify.RuleSet, logger zerolog.Logger) *Producer {
	return &Producer{conditions: conditions, subtypes: subtypes, logger: logger}
}

// Snapshot is one fully built pass over the condition view.
type Snapshot struct {
	Events               []event.CanonicalEvent
	Anomalies            []string
	ClassificationMisses int
}

func (p *Producer) Build(ctx context.Context) (*Snapshot, error) {
	recs, err := p.conditions.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", View, err)
	}

	snap := &Snapshot{Events: make([]event.CanonicalEvent, 0, len(recs))}
	for _, nev := range normalize.FromRecords(recs, "onset_date") {
		recordID, ok := nev.Record.String("record_id")
		if nev.Key == "" || !ok {
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: row without patient key or record id dropped", View))
			continue
		}

		subject := classify.Subject{}
		if code, ok := nev.Record.String("icd10_code"); ok {
			subject.Codes = []string{code}
		}
		description, _ := nev.Record.String("description")
		subject.Text = description
		res := p.subtypes.Classify(subject)
		if !res.Matched {
			snap.ClassificationMisses++
			p.logger.Warn().Str("rule_set", p.subtypes.Name).
				Str("patient_id", nev.Key).Str("record_id", recordID).
				Msg("diagnosis unclassified")
		}

		ev := event.CanonicalEvent{
			PatientID:     nev.Key,
			EventID:       event.ID(Domain, View, recordID),
			EventType:     "diagnosis",
			EventCategory: "diagnosis",
			Description:   description,
			Status:        nev.Record.StringPtr("status"),
			SourceDomain:  Domain,
			SourceView:    View,
			SourceID:      recordID,
			Provenance: map[string]string{
				"rule_set_version": p.subtypes.Version,
			},
		}
		subtype := res.Label
		ev.EventSubtype = &subtype
		if len(subject.Codes) > 0 {
			ev.ICD10Codes = subject.Codes
		}
		if nev.HasTime {
			ts := nev.Timestamp
			ev.EventDate = &ts
		}
		if nev.ParseFailed {
			ev.Provenance["parse_failed"] = "true"
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: unparseable onset_date for record %s", View, recordID))
		}
		snap.Events = append(snap.Events, ev)
	}
	return snap, nil
}
