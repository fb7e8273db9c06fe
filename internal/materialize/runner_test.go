package materialize

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRunBuildsInDependencyOrder(t *testing.T) {
	g := NewGraph()
	mustRegister(t, g, &Node{Name: "src", Build: okBuild})
	mustRegister(t, g, &Node{Name: "mid", Upstream: []string{"src"}, Build: okBuild})
	mustRegister(t, g, &Node{Name: "leaf", Upstream: []string{"mid"}, Build: okBuild})

	log := NewMemoryStatusLog()
	r := NewRunner(g, RunnerOptions{Concurrency: 2, StatusLog: log})
	reports, err := r.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	for _, rep := range reports {
		if rep.Status != StatusReady {
			t.Errorf("node %s = %s", rep.Node, rep.Status)
		}
	}
	assertOrdering(t, log.Entries(), g)
}

// Property test: over randomly generated DAGs, no node ever enters
// BUILDING before every declared upstream is READY.
func TestRunDependencyOrderingProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 25; trial++ {
		g := NewGraph()
		n := 4 + rng.Intn(10)
		names := make([]string, n)
		for i := 0; i < n; i++ {
			names[i] = fmt.Sprintf("n%02d", i)
			var ups []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					ups = append(ups, names[j])
				}
			}
			sleep := time.Duration(rng.Intn(3)) * time.Millisecond
			mustRegister(t, g, &Node{Name: names[i], Upstream: ups, Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
				time.Sleep(sleep)
				return &Result{Rows: 1}, nil
			}})
		}

		log := NewMemoryStatusLog()
		r := NewRunner(g, RunnerOptions{Concurrency: 1 + rng.Intn(4), StatusLog: log})
		if _, err := r.Run(context.Background(), "all"); err != nil {
			t.Fatal(err)
		}
		assertOrdering(t, log.Entries(), g)
	}
}

func assertOrdering(t *testing.T, entries []StatusEntry, g *Graph) {
	t.Helper()
	readyAt := make(map[string]int)
	for i, e := range entries {
		if e.Status == StatusReady {
			readyAt[e.Node] = i
		}
	}
	for i, e := range entries {
		if e.Status != StatusBuilding {
			continue
		}
		node, _ := g.Node(e.Node)
		for _, up := range node.Upstream {
			at, ok := readyAt[up]
			if !ok || at > i {
				t.Fatalf("node %s entered BUILDING before upstream %s was READY", e.Node, up)
			}
		}
	}
}

func TestFailurePropagatesToDependents(t *testing.T) {
	g := NewGraph()
	boom := errors.New("source exploded")
	mustRegister(t, g, &Node{Name: "bad_src", Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
		return nil, boom
	}})
	mustRegister(t, g, &Node{Name: "good_src", Build: okBuild})
	mustRegister(t, g, &Node{Name: "dependent", Upstream: []string{"bad_src"}, Build: okBuild})
	mustRegister(t, g, &Node{Name: "independent", Upstream: []string{"good_src"}, Build: okBuild})

	r := NewRunner(g, RunnerOptions{Concurrency: 2})
	reports, err := r.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}

	byName := reportMap(reports)
	if byName["bad_src"].Status != StatusFailed {
		t.Errorf("bad_src = %s", byName["bad_src"].Status)
	}
	if byName["dependent"].Status != StatusFailed {
		t.Error("dependent of a failed node must fail, not build on stale/empty data")
	}
	if byName["dependent"].Cause == "" {
		t.Error("propagated failure must carry a cause")
	}
	if byName["independent"].Status != StatusReady {
		t.Error("independent subgraph must be unaffected")
	}
	if !AnyFailed(reports) {
		t.Error("AnyFailed must be true")
	}
}

func TestDegradeOnUpstreamFailure(t *testing.T) {
	g := NewGraph()
	mustRegister(t, g, &Node{Name: "bad", Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
		return nil, errors.New("down")
	}})
	mustRegister(t, g, &Node{Name: "good", Build: okBuild})

	var sawReady map[string]bool
	mustRegister(t, g, &Node{
		Name:                     "agg",
		Upstream:                 []string{"bad", "good"},
		DegradeOnUpstreamFailure: true,
		Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
			sawReady = bc.UpstreamReady
			return &Result{Rows: 5}, nil
		},
	})

	r := NewRunner(g, RunnerOptions{Concurrency: 2})
	reports, err := r.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	byName := reportMap(reports)
	if byName["agg"].Status != StatusReady {
		t.Fatalf("degraded node = %s, want READY", byName["agg"].Status)
	}
	if sawReady["bad"] || !sawReady["good"] {
		t.Errorf("UpstreamReady = %v, want bad=false good=true", sawReady)
	}
}

func TestTimeoutFailsNode(t *testing.T) {
	g := NewGraph()
	mustRegister(t, g, &Node{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return &Result{Rows: 1}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	r := NewRunner(g, RunnerOptions{Concurrency: 1})
	reports, err := r.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	rep := reports[0]
	if rep.Status != StatusFailed {
		t.Fatalf("slow = %s, want BUILD_FAILED", rep.Status)
	}
	if !strings.Contains(rep.Cause, "timeout") {
		t.Errorf("cause = %q, want timeout cause", rep.Cause)
	}
}

func TestRerunSkipsReadyAndRebuildsStale(t *testing.T) {
	g := NewGraph()
	var builds sync.Map
	count := func(name string) BuildFunc {
		return func(ctx context.Context, bc BuildContext) (*Result, error) {
			v, _ := builds.LoadOrStore(name, new(int))
			*(v.(*int))++
			return &Result{Rows: 2, Patients: 1}, nil
		}
	}
	mustRegister(t, g, &Node{Name: "src", Build: count("src")})
	mustRegister(t, g, &Node{Name: "view", Upstream: []string{"src"}, Build: count("view")})

	r := NewRunner(g, RunnerOptions{Concurrency: 2})
	if _, err := r.Run(context.Background(), "all"); err != nil {
		t.Fatal(err)
	}
	reports, err := r.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	for _, rep := range reports {
		if rep.Status != StatusReady || rep.Cause != "unchanged" {
			t.Errorf("second run %s: %+v", rep.Node, rep)
		}
		if rep.RowsProduced != 2 {
			t.Errorf("skipped node must report its published snapshot rows, got %d", rep.RowsProduced)
		}
	}
	if got := buildCount(&builds, "src"); got != 1 {
		t.Errorf("src built %d times, want 1", got)
	}

	// Upstream change: src and its dependents go STALE and rebuild.
	r.MarkStale("src")
	if r.Status("view") != StatusStale {
		t.Fatalf("view = %s, want STALE after upstream change", r.Status("view"))
	}
	if _, err := r.Run(context.Background(), "all"); err != nil {
		t.Fatal(err)
	}
	if got := buildCount(&builds, "view"); got != 2 {
		t.Errorf("view built %d times, want 2", got)
	}
}

func TestZeroRowsFlaggedWithoutJustification(t *testing.T) {
	g := NewGraph()
	mustRegister(t, g, &Node{Name: "empty", Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
		return &Result{Rows: 0}, nil
	}})
	mustRegister(t, g, &Node{Name: "expected_empty", Build: func(ctx context.Context, bc BuildContext) (*Result, error) {
		return &Result{Rows: 0, ExpectedEmpty: true}, nil
	}})

	r := NewRunner(g, RunnerOptions{Concurrency: 1})
	reports, err := r.Run(context.Background(), "all")
	if err != nil {
		t.Fatal(err)
	}
	byName := reportMap(reports)
	if byName["empty"].AnomaliesFlagged == 0 {
		t.Error("unjustified zero rows must be flagged as an anomaly")
	}
	if byName["expected_empty"].AnomaliesFlagged != 0 {
		t.Error("justified zero rows must not be flagged")
	}
}

func TestRunIdempotent(t *testing.T) {
	// Same graph, same inputs: two fresh runs produce identical reports
	// (modulo durations).
	build := func(rows int) BuildFunc {
		return func(ctx context.Context, bc BuildContext) (*Result, error) {
			return &Result{Rows: rows, Patients: rows}, nil
		}
	}
	newGraph := func() *Graph {
		g := NewGraph()
		mustRegister(t, g, &Node{Name: "a", Build: build(3)})
		mustRegister(t, g, &Node{Name: "b", Upstream: []string{"a"}, Build: build(7)})
		return g
	}

	run := func() []NodeReport {
		r := NewRunner(newGraph(), RunnerOptions{Concurrency: 2})
		reports, err := r.Run(context.Background(), "all")
		if err != nil {
			t.Fatal(err)
		}
		return reports
	}

	first, second := run(), run()
	for i := range first {
		a, b := first[i], second[i]
		if a.Node != b.Node || a.Status != b.Status || a.RowsProduced != b.RowsProduced || a.PatientsCovered != b.PatientsCovered {
			t.Errorf("rebuild diverged: %+v vs %+v", a, b)
		}
	}
}

func reportMap(reports []NodeReport) map[string]NodeReport {
	m := make(map[string]NodeReport, len(reports))
	for _, r := range reports {
		m[r.Node] = r
	}
	return m
}

func buildCount(m *sync.Map, name string) int {
	v, ok := m.Load(name)
	if !ok {
		return 0
	}
	return *(v.(*int))
}

