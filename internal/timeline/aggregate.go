// Package timeline unions every domain producer's canonical events into
// one chronologically ordered stream per patient. It performs no
// per-domain business logic: only schema validation, dedupe by event id,
// age computation, and ordering.
package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/event"
)

// Input is one domain's contribution to an aggregation pass. A domain
// whose build is not ready contributes zero events and a recorded gap —
// never silently presented as complete coverage.
type Input struct {
	Domain string
	Ready  bool
	Events []event.CanonicalEvent
}

// Report summarizes one aggregation pass.
type Report struct {
	Total      int      `json:"total"`
	Patients   int      `json:"patients"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid"`
	DomainGaps []string `json:"domain_gaps,omitempty"`
}

// BirthDates supplies the birth-date reference for age computation.
type BirthDates interface {
	BirthDate(ctx context.Context, patientID string) (time.Time, bool, error)
}

// MemoryBirthDates is the in-process BirthDates used by tests.
type MemoryBirthDates map[string]time.Time

func (m MemoryBirthDates) BirthDate(_ context.Context, patientID string) (time.Time, bool, error) {
	bd, ok := m[patientID]
	return bd, ok, nil
}

// Aggregator builds the unified timeline.
type Aggregator struct {
	births BirthDates
	logger zerolog.Logger
}

func NewAggregator(births BirthDates, logger zerolog.Logger) *Aggregator {
	return &Aggregator{births: births, logger: logger}
}

// Aggregate unions the domain inputs into one sorted, deduplicated event
// stream. Events failing schema validation are counted and logged, never
// passed through.
func (a *Aggregator) Aggregate(ctx context.Context, inputs []Input) ([]event.CanonicalEvent, *Report, error) {
	report := &Report{}
	seen := make(map[uuid.UUID]struct{})
	patients := make(map[string]struct{})
	var out []event.CanonicalEvent

	for _, in := range inputs {
		if !in.Ready {
			report.DomainGaps = append(report.DomainGaps, in.Domain)
			a.logger.Warn().Str("domain", in.Domain).
				Msg("domain not ready, timeline coverage is partial")
			continue
		}
		for _, ev := range in.Events {
			if err := ev.Validate(); err != nil {
				report.Invalid++
				a.logger.Error().Err(err).Str("domain", in.Domain).Msg("event failed schema validation")
				continue
			}
			if _, dup := seen[ev.EventID]; dup {
				report.Duplicates++
				continue
			}
			seen[ev.EventID] = struct{}{}
			patients[ev.PatientID] = struct{}{}

			if age, ok, err := a.ageAtEvent(ctx, ev); err != nil {
				return nil, nil, err
			} else if ok {
				ev.AgeAtEventDays = &age
			}
			out = append(out, ev)
		}
	}

	sortEvents(out)
	report.Total = len(out)
	report.Patients = len(patients)
	sort.Strings(report.DomainGaps)
	return out, report, nil
}

func (a *Aggregator) ageAtEvent(ctx context.Context, ev event.CanonicalEvent) (int, bool, error) {
	if ev.EventDate == nil || a.births == nil {
		return 0, false, nil
	}
	birth, ok, err := a.births.BirthDate(ctx, ev.PatientID)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	days := int(ev.EventDate.Sub(birth.UTC()) / (24 * time.Hour))
	return days, true, nil
}

// sortEvents orders by (patient_id, event_date), undated events last
// within their patient, ties broken by event id so repeated aggregations
// are byte-identical.
func sortEvents(events []event.CanonicalEvent) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		switch {
		case a.EventDate == nil && b.EventDate == nil:
		case a.EventDate == nil:
			return false
		case b.EventDate == nil:
			return true
		case !a.EventDate.Equal(*b.EventDate):
			return a.EventDate.Before(*b.EventDate)
		}
		return a.EventID.String() < b.EventID.String()
	})
}
