package procedure

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/classify"
	"github.com/ehr/consolidation/internal/source"
)

func typeRules() *classify.RuleSet {
	return &classify.RuleSet{
		Name:    "procedure_type",
		Version: "1",
		Rules: []classify.Rule{
			{Name: "radiation_range", Predicate: classify.CodePrefix{Prefixes: []string{"77"}}, Label: "Radiation Oncology"},
			{Name: "surgery_range", Predicate: classify.CodePrefix{Prefixes: []string{"1", "2", "3", "4", "5", "6"}}, Label: "Surgery"},
		},
	}
}

func TestBuildClassifiesByCPTRange(t *testing.T) {
	recs := []source.Record{
		{View: View, Key: "Patient/p1", Fields: map[string]any{
			"record_id": "pr1", "cpt_code": "77301", "description": "IMRT planning", "performed_date": "2021-03-02",
		}},
		{View: View, Key: "p1", Fields: map[string]any{
			"record_id": "pr2", "cpt_code": "19303", "description": "Mastectomy", "performed_date": "2020-11-20",
		}},
	}
	p := NewProducer(source.NewMemory(View, recs), typeRules(), zerolog.Nop())

	snap, err := p.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]string{}
	for _, ev := range snap.Events {
		byID[ev.SourceID] = ev.EventCategory
		if len(ev.CPTCodes) != 1 {
			t.Errorf("%s: cpt codes = %v", ev.SourceID, ev.CPTCodes)
		}
	}
	// 77xxx must win over the broad surgery range: rule order decides.
	if byID["pr1"] != "Radiation Oncology" {
		t.Errorf("pr1 = %q", byID["pr1"])
	}
	if byID["pr2"] != "Surgery" {
		t.Errorf("pr2 = %q", byID["pr2"])
	}
}
