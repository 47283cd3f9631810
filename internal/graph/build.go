package graph

import (
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// Build compiles a manifest into a Graph (spec §4.B):
//  1. materialize Nodes, rejecting duplicate ids;
//  2. walk connections, populating inputs/outputs, failing on unknown ids;
//  3. compute in-degrees;
//  4. Kahn's algorithm for a linear order, ties broken by declared order;
//  5. fewer nodes emitted than exist => GraphHasCycle;
//  6. collect sources/sinks.
func Build(m *manifest.Manifest) (*Graph, error) {
	nodes := make(map[string]*Node, len(m.Nodes))
	declaredOrder := make(map[string]int, len(m.Nodes))

	for i, spec := range m.Nodes {
		if _, exists := nodes[spec.ID]; exists {
			return nil, pipelineapi.NewInvalidManifest(spec.ID, "duplicate node id")
		}
		nodes[spec.ID] = &Node{NodeSpec: spec}
		declaredOrder[spec.ID] = i
	}

	inDegree := make(map[string]int, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}

	for _, c := range m.Connections {
		from, ok := nodes[c.From]
		if !ok {
			return nil, pipelineapi.NewInvalidManifest(c.From, "connection references unknown node id")
		}
		if _, ok := nodes[c.To]; !ok {
			return nil, pipelineapi.NewInvalidManifest(c.To, "connection references unknown node id")
		}
		from.Outputs = append(from.Outputs, c.To)
		nodes[c.To].Inputs = append(nodes[c.To].Inputs, c.From)
		inDegree[c.To]++
	}

	order, err := kahn(nodes, inDegree, declaredOrder)
	if err != nil {
		return nil, err
	}

	g := &Graph{Nodes: nodes, Order: order, Connections: m.Connections}
	for _, id := range order {
		if g.IsSource(id) {
			g.Sources = append(g.Sources, id)
		}
		if g.IsSink(id) {
			g.Sinks = append(g.Sinks, id)
		}
	}
	return g, nil
}

// kahn produces a deterministic topological order: at each step, among
// all zero-in-degree nodes not yet emitted, the one with the smallest
// declared-manifest index is chosen, so ties are broken stably (spec
// §4.B step 4).
func kahn(nodes map[string]*Node, inDegree map[string]int, declaredOrder map[string]int) ([]string, error) {
	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}

	order := make([]string, 0, len(nodes))
	for len(order) < len(nodes) {
		next := ""
		nextIdx := -1
		for id, d := range remaining {
			if d != 0 {
				continue
			}
			if nextIdx == -1 || declaredOrder[id] < nextIdx {
				next = id
				nextIdx = declaredOrder[id]
			}
		}
		if next == "" {
			return nil, pipelineapi.NewGraphHasCycle("connection digraph contains a cycle")
		}

		order = append(order, next)
		delete(remaining, next)
		for _, downstream := range nodes[next].Outputs {
			remaining[downstream]--
		}
	}

	return order, nil
}
