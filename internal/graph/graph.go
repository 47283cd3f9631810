// Package graph compiles a manifest into a node-indexed DAG: it
// resolves connections into adjacency lists, rejects cycles, and
// produces the canonical topological order used by capability
// resolution and the session router (spec §4.B).
package graph

import "github.com/mediarunner/pipelined/internal/manifest"

// Node adds inbound/outbound edges to a manifest.NodeSpec.
type Node struct {
	manifest.NodeSpec
	Inputs  []string
	Outputs []string
}

// Graph is the compiled DAG (spec §3).
type Graph struct {
	Nodes   map[string]*Node
	Order   []string
	Sources []string
	Sinks   []string

	// Connections is kept verbatim for capability resolution and for
	// re-deriving the router's broadcast table (§4.F).
	Connections []manifest.Connection
}

// IsSource reports whether id has no inbound edges.
func (g *Graph) IsSource(id string) bool {
	n, ok := g.Nodes[id]
	return ok && len(n.Inputs) == 0
}

// IsSink reports whether id has no outbound edges.
func (g *Graph) IsSink(id string) bool {
	n, ok := g.Nodes[id]
	return ok && len(n.Outputs) == 0
}

// Downstream returns the node ids directly reachable from id.
func (g *Graph) Downstream(id string) []string {
	n, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	return n.Outputs
}
