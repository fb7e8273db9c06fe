package source

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testRecords() []Record {
	day := func(d int) time.Time { return time.Date(2021, 3, d, 0, 0, 0, 0, time.UTC) }
	return []Record{
		{View: "condition_record", Key: "Patient/p1", Fields: map[string]any{
			"icd10_code": "C50.9", "description": "Malignant neoplasm of breast", "onset_date": day(1),
		}},
		{View: "condition_record", Key: "Patient/p2", Fields: map[string]any{
			"icd10_code": "I10", "description": "Essential hypertension", "onset_date": day(10),
		}},
		{View: "condition_record", Key: "p3", Fields: map[string]any{
			"icd10_code": "C34.1", "description": "malignant NEOPLASM of lung", "onset_date": day(20),
		}},
	}
}

func fetch(t *testing.T, p Predicate) []Record {
	t.Helper()
	got, err := NewMemory("condition_record", testRecords()).Fetch(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestMemoryFetchUnfiltered(t *testing.T) {
	got := fetch(t, Predicate{})
	if len(got) != 3 {
		t.Fatalf("rows = %d, want all 3", len(got))
	}
	// The returned slice is a copy; mutating it must not corrupt the view.
	got[0].Key = "clobbered"
	if again := fetch(t, Predicate{}); again[0].Key != "Patient/p1" {
		t.Error("adapter leaked its backing slice")
	}
}

func TestMemoryFetchPatientKeysMatchStoredForm(t *testing.T) {
	got := fetch(t, Predicate{PatientKeys: []string{"Patient/p1"}})
	if len(got) != 1 || got[0].Key != "Patient/p1" {
		t.Fatalf("rows = %+v, want the decorated key's row", got)
	}

	// The view stores "Patient/p1"; a canonical key does not match it.
	// Callers must pass the stored form, per the Predicate contract.
	if got := fetch(t, Predicate{PatientKeys: []string{"p1"}}); len(got) != 0 {
		t.Errorf("canonical key matched a decorated stored key: %+v", got)
	}
	if got := fetch(t, Predicate{PatientKeys: []string{"p3"}}); len(got) != 1 {
		t.Errorf("undecorated stored key must match as-is: %+v", got)
	}
}

func TestMemoryFetchCodePrefixes(t *testing.T) {
	got := fetch(t, Predicate{CodeField: "icd10_code", CodePrefixes: []string{"C"}})
	if len(got) != 2 {
		t.Fatalf("rows = %d, want the two C-prefixed conditions", len(got))
	}
	for _, r := range got {
		if code, _ := r.String("icd10_code"); code[0] != 'C' {
			t.Errorf("unexpected code %q", code)
		}
	}
}

func TestMemoryFetchKeywordsFoldCase(t *testing.T) {
	got := fetch(t, Predicate{TextField: "description", Keywords: []string{"Neoplasm"}})
	if len(got) != 2 {
		t.Fatalf("rows = %d, want case-insensitive keyword matches", len(got))
	}
}

func TestMemoryFetchDateRangeInclusive(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2021, 3, d, 0, 0, 0, 0, time.UTC) }

	got := fetch(t, Predicate{DateField: "onset_date", From: day(10), To: day(20)})
	if len(got) != 2 {
		t.Fatalf("rows = %d, want both boundary days included", len(got))
	}

	// A record whose date field is absent cannot satisfy a date bound.
	recs := []Record{{View: "v", Key: "p9", Fields: map[string]any{}}}
	got, err := NewMemory("v", recs).Fetch(context.Background(), Predicate{DateField: "onset_date", From: day(1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Error("dateless record matched a date-bounded predicate")
	}
}

func TestMemoryFetchIgnoresClausesMissingTheirField(t *testing.T) {
	// Mirrors the SQL adapter: a clause naming no field is ignored, not
	// turned into a filter that silently drops every row.
	got := fetch(t, Predicate{CodePrefixes: []string{"C"}, Keywords: []string{"neoplasm"}})
	if len(got) != 3 {
		t.Errorf("rows = %d, want all 3", len(got))
	}
}

func TestMemoryFetchCombinesClauses(t *testing.T) {
	got := fetch(t, Predicate{
		PatientKeys:  []string{"Patient/p1", "p3"},
		CodeField:    "icd10_code",
		CodePrefixes: []string{"C34"},
	})
	if len(got) != 1 || got[0].Key != "p3" {
		t.Errorf("rows = %+v, want clauses ANDed", got)
	}
}

func TestFailingMemoryReportsMissingUpstream(t *testing.T) {
	cause := errors.New("view offline")
	_, err := NewFailingMemory("condition_record", cause).Fetch(context.Background(), Predicate{})
	if !IsMissingUpstream(err) {
		t.Fatalf("err = %v, want MissingUpstreamError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause must stay unwrappable")
	}
}
