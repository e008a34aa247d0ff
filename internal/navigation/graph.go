package navigation

import (
	"sort"

	"github.com/xkilldash9x/droidpatrol/internal/executor"
	"github.com/xkilldash9x/droidpatrol/internal/screen"
)

// Edge is one observed transition between screens.
type Edge struct {
	From screen.Signature    `json:"from"`
	Kind executor.ActionKind `json:"kind"`
	To   screen.Signature    `json:"to"`
}

// Node is a visited screen.
type Node struct {
	Signature screen.Signature `json:"signature"`
	Order     int              `json:"order"` // first-seen position
	Visits    int              `json:"visits"`
}

// Graph is a directed multigraph of screens keyed by signature. Parallel edges are
// kept as a multiplicity count. It is owned by a single session.
type Graph struct {
	nodes map[screen.Signature]*Node
	edges map[Edge]int
	order []screen.Signature
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[screen.Signature]*Node),
		edges: make(map[Edge]int),
	}
}

// Visit registers an observation of sig and reports whether it was new.
func (g *Graph) Visit(sig screen.Signature) bool {
	if n, ok := g.nodes[sig]; ok {
		n.Visits++
		return false
	}
	g.nodes[sig] = &Node{Signature: sig, Order: len(g.order), Visits: 1}
	g.order = append(g.order, sig)
	return true
}

// AddEdge records a transition; both endpoints must already be visited.
func (g *Graph) AddEdge(e Edge) {
	g.edges[e]++
}

// Has reports whether sig was ever seen.
func (g *Graph) Has(sig screen.Signature) bool {
	_, ok := g.nodes[sig]
	return ok
}

// Node returns a copy of the node for sig.
func (g *Graph) Node(sig screen.Signature) (Node, bool) {
	n, ok := g.nodes[sig]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of distinct screens.
func (g *Graph) Len() int { return len(g.order) }

// Signatures returns signatures in first-seen order.
func (g *Graph) Signatures() []screen.Signature {
	out := make([]screen.Signature, len(g.order))
	copy(out, g.order)
	return out
}

// EdgeCount returns the multiplicity of an edge.
func (g *Graph) EdgeCount(e Edge) int { return g.edges[e] }

// TotalEdges returns the number of recorded transitions including repeats.
func (g *Graph) TotalEdges() int {
	total := 0
	for _, n := range g.edges {
		total += n
	}
	return total
}

// Successors lists the distinct screens reachable from sig in one recorded step.
func (g *Graph) Successors(sig screen.Signature) []screen.Signature {
	seen := make(map[screen.Signature]bool)
	var out []screen.Signature
	for e := range g.edges {
		if e.From == sig && !seen[e.To] {
			seen[e.To] = true
			out = append(out, e.To)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return g.nodes[out[i]].Order < g.nodes[out[j]].Order
	})
	return out
}
