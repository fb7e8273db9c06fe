package source

import (
	"testing"
	"time"
)

func testPG() *PG {
	return NewPG(nil, PGConfig{
		View:      "condition_record",
		KeyColumn: "patient_ref",
		Columns:   []string{"icd10_code", "description", "onset_date"},
	})
}

func TestBuildQueryNoPredicate(t *testing.T) {
	sql, args := testPG().buildQuery(Predicate{})
	want := "SELECT patient_ref, icd10_code, description, onset_date FROM condition_record ORDER BY patient_ref"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	if len(args) != 0 {
		t.Errorf("args = %v, want none", args)
	}
}

func TestBuildQueryPushesClausesDown(t *testing.T) {
	from := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC)
	sql, args := testPG().buildQuery(Predicate{
		PatientKeys:  []string{"Patient/p1", "Patient/p2"},
		CodeField:    "icd10_code",
		CodePrefixes: []string{"C", "D0"},
		TextField:    "description",
		Keywords:     []string{"neoplasm"},
		DateField:    "onset_date",
		From:         from,
		To:           to,
	})

	want := "SELECT patient_ref, icd10_code, description, onset_date FROM condition_record" +
		" WHERE patient_ref = ANY($1)" +
		" AND (icd10_code LIKE $2 OR icd10_code LIKE $3)" +
		" AND (description ILIKE $4)" +
		" AND onset_date >= $5 AND onset_date <= $6" +
		" ORDER BY patient_ref"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	if len(args) != 6 {
		t.Fatalf("args = %d, want 6", len(args))
	}
	if keys, ok := args[0].([]string); !ok || len(keys) != 2 || keys[0] != "Patient/p1" {
		t.Errorf("keys arg = %v; pushdown sends the stored key form untouched", args[0])
	}
	if args[1] != "C%" || args[2] != "D0%" {
		t.Errorf("prefix args = %v, %v", args[1], args[2])
	}
	if args[3] != "%neoplasm%" {
		t.Errorf("keyword arg = %v", args[3])
	}
	if args[4] != from || args[5] != to {
		t.Errorf("date args = %v, %v", args[4], args[5])
	}
}

func TestBuildQuerySkipsClausesMissingTheirField(t *testing.T) {
	// Prefixes without a code field (and keywords without a text field)
	// cannot be pushed down as SQL and must not produce broken clauses.
	sql, args := testPG().buildQuery(Predicate{
		CodePrefixes: []string{"C"},
		Keywords:     []string{"neoplasm"},
	})
	want := "SELECT patient_ref, icd10_code, description, onset_date FROM condition_record ORDER BY patient_ref"
	if sql != want {
		t.Errorf("sql = %q\nwant  %q", sql, want)
	}
	if len(args) != 0 {
		t.Errorf("args = %v, want none", args)
	}
}
