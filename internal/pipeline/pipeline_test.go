package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/consolidation/internal/classify"
	"github.com/ehr/consolidation/internal/domain/diagnosis"
	"github.com/ehr/consolidation/internal/domain/encounter"
	"github.com/ehr/consolidation/internal/domain/imaging"
	"github.com/ehr/consolidation/internal/domain/medication"
	"github.com/ehr/consolidation/internal/domain/procedure"
	"github.com/ehr/consolidation/internal/domain/radiation"
	"github.com/ehr/consolidation/internal/event"
	"github.com/ehr/consolidation/internal/materialize"
	"github.com/ehr/consolidation/internal/registry"
	"github.com/ehr/consolidation/internal/source"
	"github.com/ehr/consolidation/internal/timeline"
)

func testRules() RuleSets {
	reg := registry.New("2024-06", nil, map[string][]string{
		"corticosteroid": {"3264"},
	})
	return RuleSets{
		DrugCategories: &classify.RuleSet{
			Name: "drug_category", Version: "1",
			Rules: []classify.Rule{
				{Name: "steroid", Predicate: classify.CodeSet{Registry: reg, Set: "corticosteroid"}, Label: "Corticosteroid"},
			},
		},
		DiagnosisSubtypes: &classify.RuleSet{
			Name: "diagnosis_subtype", Version: "1",
			Rules: []classify.Rule{
				{Name: "neoplasm", Predicate: classify.CodePrefix{Prefixes: []string{"C"}}, Label: "Neoplasm"},
			},
		},
		ProcedureTypes: &classify.RuleSet{
			Name: "procedure_type", Version: "1",
			Rules: []classify.Rule{
				{Name: "radiation", Predicate: classify.CodePrefix{Prefixes: []string{"77"}}, Label: "Radiation Oncology"},
			},
		},
	}
}

func testSources(radiationDown bool) Sources {
	intake := source.NewMemory(radiation.ViewIntake, []source.Record{
		{View: radiation.ViewIntake, Key: "p1", Fields: map[string]any{
			"course_number": "1", "modality": "External beam", "start_date": "2021-03-01",
			"total_dose_cgy": 5000.0, "fraction_count": 25,
		}},
	})
	s := Sources{
		RadiationIntake:   intake,
		RadiationOrders:   source.NewMemory(radiation.ViewOrders, nil),
		RadiationReasons:  source.NewMemory(radiation.ViewReasons, nil),
		RadiationSchedule: source.NewMemory(radiation.ViewSchedule, nil),
		MedicationAdministrations: source.NewMemory(medication.ViewAdministrations, []source.Record{
			{View: medication.ViewAdministrations, Key: "Patient/p1", Fields: map[string]any{
				"order_number": "ord-1", "drug_code": "3264", "drug_name": "dexamethasone",
				"administered_at": "2021-03-02T09:00:00",
			}},
		}),
		MedicationOrders:  source.NewMemory(medication.ViewOrders, nil),
		MedicationReasons: source.NewMemory(medication.ViewReasons, nil),
		Conditions: source.NewMemory(diagnosis.View, []source.Record{
			{View: diagnosis.View, Key: "p1", Fields: map[string]any{
				"record_id": "c1", "icd10_code": "C50.911", "description": "Breast cancer", "onset_date": "2019-08-14",
			}},
		}),
		Procedures: source.NewMemory(procedure.View, []source.Record{
			{View: procedure.View, Key: "p1", Fields: map[string]any{
				"record_id": "pr1", "cpt_code": "77301", "description": "IMRT planning", "performed_date": "2021-02-25",
			}},
		}),
		ImagingStudies: source.NewMemory(imaging.View, []source.Record{
			{View: imaging.View, Key: "p1", Fields: map[string]any{
				"study_id": "st1", "modality": "CT", "study_date": "2012-10-19",
			}},
		}),
		Encounters: source.NewMemory(encounter.View, []source.Record{
			{View: encounter.View, Key: "p1", Fields: map[string]any{
				"encounter_id": "e1", "class": "AMB", "period_start": "2021-03-01T08:00:00",
			}},
		}),
	}
	if radiationDown {
		s.RadiationIntake = source.NewFailingMemory(radiation.ViewIntake, errors.New("view offline"))
	}
	return s
}

func newTestPipeline(t *testing.T, radiationDown bool, store event.Store) *Pipeline {
	t.Helper()
	births := timeline.MemoryBirthDates{"p1": time.Date(1960, 3, 1, 0, 0, 0, 0, time.UTC)}
	p, err := New(testSources(radiationDown), testRules(), store, births, Options{
		Runner: materialize.RunnerOptions{Concurrency: 3},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunBuildsFullTimeline(t *testing.T) {
	store := event.NewMemoryStore()
	p := newTestPipeline(t, false, store)

	reports, err := p.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	if materialize.AnyFailed(reports) {
		t.Fatalf("reports = %+v", reports)
	}

	events, total, err := store.ListByPatient(context.Background(), "p1", nil, nil, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Fatalf("timeline events = %d, want one per domain", total)
	}
	for _, ev := range events {
		if ev.AgeAtEventDays == nil {
			t.Errorf("%s: age not computed", ev.SourceDomain)
		}
	}
	if gaps := p.Report().DomainGaps; len(gaps) != 0 {
		t.Errorf("gaps = %v", gaps)
	}
}

func TestRunDegradesTimelineWhenDomainFails(t *testing.T) {
	store := event.NewMemoryStore()
	p := newTestPipeline(t, true, store)

	reports, err := p.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]materialize.NodeReport{}
	for _, r := range reports {
		byName[r.Node] = r
	}
	if byName[NodeRadiation].Status != materialize.StatusFailed {
		t.Fatalf("radiation = %s", byName[NodeRadiation].Status)
	}
	if byName[NodeTimeline].Status != materialize.StatusReady {
		t.Fatalf("timeline = %s, must build degraded", byName[NodeTimeline].Status)
	}
	if byName[NodeTimeline].AnomaliesFlagged == 0 {
		t.Error("the domain gap must be flagged on the timeline report")
	}

	_, total, err := store.ListByPatient(context.Background(), "p1", nil, nil, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Fatalf("timeline events = %d, want 5 from the ready domains", total)
	}
	if gaps := p.Report().DomainGaps; len(gaps) != 1 || gaps[0] != NodeRadiation {
		t.Errorf("gaps = %v", gaps)
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	first := event.NewMemoryStore()
	second := event.NewMemoryStore()

	if _, err := newTestPipeline(t, false, first).Run(context.Background(), "all"); err != nil {
		t.Fatal(err)
	}
	if _, err := newTestPipeline(t, false, second).Run(context.Background(), "all"); err != nil {
		t.Fatal(err)
	}

	a, _, _ := first.ListByPatient(context.Background(), "p1", nil, nil, 100, 0)
	b, _, _ := second.ListByPatient(context.Background(), "p1", nil, nil, 100, 0)
	if len(a) != len(b) {
		t.Fatalf("rebuild sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].EventID != b[i].EventID {
			t.Fatalf("rebuild diverged at %d: %s vs %s", i, a[i].EventID, b[i].EventID)
		}
	}
}

func TestMarkStaleRebuildsDependents(t *testing.T) {
	store := event.NewMemoryStore()
	p := newTestPipeline(t, false, store)
	ctx := context.Background()

	if _, err := p.Run(ctx, "all"); err != nil {
		t.Fatal(err)
	}
	p.MarkStale(NodeDiagnosis)

	reports, err := p.Run(ctx, "all")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reports {
		switch r.Node {
		case NodeDiagnosis, NodeTimeline:
			if r.Cause == "unchanged" {
				t.Errorf("%s must rebuild after upstream change", r.Node)
			}
		default:
			if r.Cause != "unchanged" {
				t.Errorf("%s must be skipped, got %+v", r.Node, r)
			}
		}
	}
}

func TestNodesManifest(t *testing.T) {
	p := newTestPipeline(t, false, event.NewMemoryStore())
	nodes := p.Nodes()
	if len(nodes) != 7 {
		t.Fatalf("nodes = %d", len(nodes))
	}
	last := nodes[len(nodes)-1]
	if last.Name != NodeTimeline || len(last.Upstream) != 6 {
		t.Errorf("timeline must be last with six upstreams: %+v", last)
	}
}
