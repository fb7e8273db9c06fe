package materialize

import "fmt"

// Graph is the dependency manifest: every node and its declared upstream
// ids. Registration requires upstreams to exist already, which surfaces
// missing nodes immediately and makes cycles impossible by construction —
// structural errors are rejected here, never discovered mid-build.
type Graph struct {
	nodes map[string]*Node
	order []string // registration order; topological by construction
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Register adds a node to the manifest.
func (g *Graph) Register(n *Node) error {
	if n.Name == "" {
		return fmt.Errorf("node has no name")
	}
	if n.Build == nil {
		return fmt.Errorf("node %q has no build function", n.Name)
	}
	if _, dup := g.nodes[n.Name]; dup {
		return fmt.Errorf("node %q already registered", n.Name)
	}
	for _, up := range n.Upstream {
		if up == n.Name {
			return fmt.Errorf("node %q depends on itself", n.Name)
		}
		if _, ok := g.nodes[up]; !ok {
			return fmt.Errorf("node %q declares unknown upstream %q (register dependencies first)", n.Name, up)
		}
	}
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return nil
}

// Node returns a registered node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// TopoOrder returns all node names in build order.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Subgraph returns the target and its transitive upstreams in build
// order. Target "all" selects the whole graph.
func (g *Graph) Subgraph(target string) ([]string, error) {
	if target == "" || target == "all" {
		return g.TopoOrder(), nil
	}
	if _, ok := g.nodes[target]; !ok {
		return nil, fmt.Errorf("unknown node %q", target)
	}

	wanted := make(map[string]bool)
	var mark func(name string)
	mark = func(name string) {
		if wanted[name] {
			return
		}
		wanted[name] = true
		for _, up := range g.nodes[name].Upstream {
			mark(up)
		}
	}
	mark(target)

	var out []string
	for _, name := range g.order {
		if wanted[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// Dependents returns the direct downstream nodes of name.
func (g *Graph) Dependents(name string) []string {
	var out []string
	for _, candidate := range g.order {
		for _, up := range g.nodes[candidate].Upstream {
			if up == name {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}
