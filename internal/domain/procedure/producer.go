// Package procedure turns procedure records into canonical timeline
// events, with the procedure type assigned by a CPT prefix-range rule
// set.
package procedure

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
	Domain = "procedure"
	View   = "procedure_record"
)

// Producer reads the procedure view and emits one event per procedure.
type Producer struct {
	procedures source.Adapter
	types      *classify.RuleSet
	logger     zerolog.Logger
}

func NewProducer(procedures source.Adapter, types *classify.RuleSet, logger zerolog.Logger) *Producer {
	return &Producer{procedures: procedures, types: types, logger: logger}
}

// Snapshot is one fully built pass over the procedure view.
type Snapshot struct {
	Events               []event.CanonicalEvent
	Anomalies            []string
	ClassificationMisses int
}

func (p *Producer) Build(ctx context.Context) (*Snapshot, error) {
	recs, err := p.procedures.Fetch(ctx, source.Predicate{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", View, err)
	}

	snap := &Snapshot{Events: make([]event.CanonicalEvent, 0, len(recs))}
	for _, nev := range normalize.FromRecords(recs, "performed_date") {
		recordID, ok := nev.Record.String("record_id")
		if nev.Key == "" || !ok {
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: row without patient key or record id dropped", View))
			continue
		}

		subject := classify.Subject{}
		if code, ok := nev.Record.String("cpt_code"); ok {
			subject.Codes = []string{code}
		}
		description, _ := nev.Record.String("description")
		subject.Text = description
		res := p.types.Classify(subject)
		if !res.Matched {
			snap.ClassificationMisses++
			p.logger.Warn().Str("rule_set", p.types.Name).
				Str("patient_id", nev.Key).Str("record_id", recordID).
				Msg("procedure unclassified")
		}

		ev := event.CanonicalEvent{
			PatientID:     nev.Key,
			EventID:       event.ID(Domain, View, recordID),
			EventType:     "procedure",
			EventCategory: res.Label,
			Description:   description,
			Status:        nev.Record.StringPtr("status"),
			SourceDomain:  Domain,
			SourceView:    View,
			SourceID:      recordID,
			CPTCodes:      subject.Codes,
			Provenance: map[string]string{
				"rule_set_version": p.types.Version,
			},
		}
		if res.Rule != "" {
			ev.Provenance["category_rule"] = res.Rule
		}
		if nev.HasTime {
			ts := nev.Timestamp
			ev.EventDate = &ts
		}
		if nev.ParseFailed {
			ev.Provenance["parse_failed"] = "true"
			snap.Anomalies = append(snap.Anomalies,
				fmt.Sprintf("%s: unparseable performed_date for record %s", View, recordID))
		}
		snap.Events = append(snap.Events, ev)
	}
	return snap, nil
}
