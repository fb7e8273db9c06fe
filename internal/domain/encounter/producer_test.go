package encounter

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/source"
)

func TestBuildMapsClassToCategory(t *testing.T) {
	recs := []source.Record{
		{View: View, Key: "Patient/p1", Fields: map[string]any{
			"encounter_id": "e1", "class": "IMP", "reason": "Chemotherapy admission",
			"period_start": "2021-05-01T08:00:00", "period_end": "2021-05-03T12:00:00",
			"status": "finished",
		}},
		{View: View, Key: "p1", Fields: map[string]any{
			"encounter_id": "e2", "class": "amb", "period_start": "2021-06-10",
		}},
		{View: View, Key: "p1", Fields: map[string]any{
			"encounter_id": "e3", "class": "TELE", "period_start": "2021-07-01",
		}},
	}
	p := NewProducer(source.NewMemory(View, recs), zerolog.Nop())

	snap, err := p.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]string{}
	for _, ev := range snap.Events {
		byID[ev.SourceID] = ev.EventCategory
	}
	if byID["e1"] != "inpatient" {
		t.Errorf("e1 = %q", byID["e1"])
	}
	// Class mapping is case-insensitive.
	if byID["e2"] != "outpatient" {
		t.Errorf("e2 = %q", byID["e2"])
	}
	if byID["e3"] != "other" {
		t.Errorf("unknown class = %q, want other", byID["e3"])
	}
}

func TestBuildKeepsPeriodEndInMetadata(t *testing.T) {
	recs := []source.Record{
		{View: View, Key: "p1", Fields: map[string]any{
			"encounter_id": "e1", "class": "IMP",
			"period_start": "2021-05-01T08:00:00", "period_end": "2021-05-03T12:00:00",
		}},
	}
	p := NewProducer(source.NewMemory(View, recs), zerolog.Nop())

	snap, err := p.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := snap.Events[0].Metadata["period_end"]; got != "2021-05-03T12:00:00.000Z" {
		t.Errorf("period_end = %q", got)
	}
}
