package materialize

import (
	"context"
	"testing"
)

func okBuild(ctx context.Context, bc BuildContext) (*Result, error) {
	return &Result{Rows: 1}, nil
}

func TestRegisterRejectsUnknownUpstream(t *testing.T) {
	g := NewGraph()
	err := g.Register(&Node{Name: "coalesce", Upstream: []string{"adapter"}, Build: okBuild})
	if err == nil {
		t.Fatal("unknown upstream must be rejected at registration")
	}
}

func TestRegisterRejectsSelfDependency(t *testing.T) {
	g := NewGraph()
	if err := g.Register(&Node{Name: "a", Upstream: []string{"a"}, Build: okBuild}); err == nil {
		t.Fatal("self dependency must be rejected")
	}
}

// Because upstreams must already exist at registration time, a cycle can
// never be assembled: the edge closing it always references a node that
// is not yet registered.
func TestRegisterCannotFormCycle(t *testing.T) {
	g := NewGraph()
	if err := g.Register(&Node{Name: "a", Build: okBuild}); err != nil {
		t.Fatal(err)
	}
	if err := g.Register(&Node{Name: "b", Upstream: []string{"a"}, Build: okBuild}); err != nil {
		t.Fatal(err)
	}
	// Closing a->b->a would require re-registering "a" with upstream "b".
	if err := g.Register(&Node{Name: "a", Upstream: []string{"b"}, Build: okBuild}); err == nil {
		t.Fatal("duplicate registration must be rejected")
	}
}

func TestRegisterValidation(t *testing.T) {
	g := NewGraph()
	if err := g.Register(&Node{Name: "", Build: okBuild}); err == nil {
		t.Error("empty name must be rejected")
	}
	if err := g.Register(&Node{Name: "x"}); err == nil {
		t.Error("nil build func must be rejected")
	}
}

func TestSubgraph(t *testing.T) {
	g := NewGraph()
	mustRegister(t, g, &Node{Name: "src_a", Build: okBuild})
	mustRegister(t, g, &Node{Name: "src_b", Build: okBuild})
	mustRegister(t, g, &Node{Name: "coalesce_a", Upstream: []string{"src_a"}, Build: okBuild})
	mustRegister(t, g, &Node{Name: "coalesce_b", Upstream: []string{"src_b"}, Build: okBuild})
	mustRegister(t, g, &Node{Name: "timeline", Upstream: []string{"coalesce_a", "coalesce_b"}, Build: okBuild})

	sub, err := g.Subgraph("coalesce_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 2 || sub[0] != "src_a" || sub[1] != "coalesce_a" {
		t.Errorf("subgraph = %v, want [src_a coalesce_a]", sub)
	}

	all, err := g.Subgraph("all")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("all = %v", all)
	}

	if _, err := g.Subgraph("nope"); err == nil {
		t.Error("unknown target must error")
	}
}

func TestDependents(t *testing.T) {
	g := NewGraph()
	mustRegister(t, g, &Node{Name: "src", Build: okBuild})
	mustRegister(t, g, &Node{Name: "mid", Upstream: []string{"src"}, Build: okBuild})
	mustRegister(t, g, &Node{Name: "leaf", Upstream: []string{"mid"}, Build: okBuild})

	deps := g.Dependents("src")
	if len(deps) != 1 || deps[0] != "mid" {
		t.Errorf("Dependents(src) = %v", deps)
	}
}

func mustRegister(t *testing.T, g *Graph, n *Node) {
	t.Helper()
	if err := g.Register(n); err != nil {
		t.Fatal(err)
	}
}
