package capability

import (
	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// Provider is the capability-hook surface a node factory exposes (spec
// §4.D "capability hooks"). internal/node.Factory implements it; kept
// as a narrow interface here so capability does not import node.
type Provider interface {
	Behavior(nodeType string) Behavior
	// Declared returns the node's factory-declared capabilities. For
	// Configured nodes this must read params; for Static nodes params
	// may be ignored.
	Declared(nodeType string, params []byte) (*NodeCapabilities, error)
	// Potential returns a broad range used as the phase-1 placeholder
	// for RuntimeDiscovered nodes (spec §4.C).
	Potential(nodeType string, params []byte) (*MediaConstraints, error)
}

// Resolve runs the two-pass resolution of spec §4.C over g's
// topological order and returns the read-only Context the router and
// node-introspection API consume.
func Resolve(g *graph.Graph, provider Provider) (*Context, error) {
	ctx := &Context{byNode: make(map[string]*Resolved, len(g.Nodes))}

	// Forward pass: sources -> sinks.
	for _, id := range g.Order {
		n := g.Nodes[id]
		behavior := provider.Behavior(n.NodeType)
		declared, err := provider.Declared(n.NodeType, n.Params)
		if err != nil {
			return nil, pipelineapi.NewInternal(err)
		}
		if declared == nil {
			declared = &NodeCapabilities{}
		}

		r := &Resolved{}

		switch behavior {
		case BehaviorStatic:
			r.Output, r.OutputSource = declared.Output, SourceStatic
			r.Input, r.InputSource = declared.Input, SourceStatic

		case BehaviorConfigured:
			r.Output, r.OutputSource = declared.Output, SourceConfigured
			r.Input, r.InputSource = declared.Input, SourceConfigured

		case BehaviorPassthrough:
			upstreamOut, err := singleUpstreamOutput(g, ctx, id)
			if err != nil {
				return nil, err
			}
			r.Input, r.InputSource = upstreamOut, SourceInherited
			r.Output, r.OutputSource = upstreamOut, SourceInherited

		case BehaviorAdaptive:
			if up, err := singleUpstreamOutput(g, ctx, id); err == nil && up != nil {
				r.Input, r.InputSource = up, SourceInherited
			} else {
				r.Input, r.InputSource = declared.Input, SourceConfigured
			}
			// Output deferred to the reverse pass.
			r.Output, r.OutputSource = nil, SourceNegotiated

		case BehaviorRuntimeDiscovered:
			potential, err := provider.Potential(n.NodeType, n.Params)
			if err != nil {
				return nil, pipelineapi.NewInternal(err)
			}
			r.Output, r.OutputSource = potential, SourceDiscovered
			r.Input, r.InputSource = declared.Input, SourceConfigured

		default:
			r.Output, r.OutputSource = declared.Output, SourceStatic
			r.Input, r.InputSource = declared.Input, SourceStatic
		}

		ctx.byNode[id] = r
	}

	// Reverse pass: sinks -> sources, constrain Adaptive outputs from
	// what consumers downstream require.
	for i := len(g.Order) - 1; i >= 0; i-- {
		id := g.Order[i]
		n := g.Nodes[id]
		r := ctx.byNode[id]
		if r.OutputSource != SourceNegotiated {
			continue
		}

		var folded *MediaConstraints
		for _, downstreamID := range n.Outputs {
			downRes := ctx.byNode[downstreamID]
			var downIn *MediaConstraints
			if downRes != nil {
				downIn = downRes.Input
			}
			if downIn == nil {
				continue
			}
			next, ok := NarrowMedia(folded, downIn)
			if !ok {
				return nil, pipelineapi.NewIncompatibleCapabilities(id, downstreamID, "unspecified", "downstream consumers require incompatible capabilities")
			}
			folded = next
		}

		r.Output = folded
	}

	// Validate every edge's (upstream.output, downstream.input) pair
	// (spec §8 property 3 / §4.C compatibility rule).
	for _, c := range g.Connections {
		up := ctx.byNode[c.From]
		down := ctx.byNode[c.To]
		if up == nil || down == nil {
			continue
		}
		ok, dim, reason := Dimensions(up.Output, down.Input)
		if !ok {
			return nil, pipelineapi.NewIncompatibleCapabilities(c.From, c.To, dim, reason)
		}
	}

	return ctx, nil
}

func singleUpstreamOutput(g *graph.Graph, ctx *Context, id string) (*MediaConstraints, error) {
	n := g.Nodes[id]
	var out *MediaConstraints
	for _, upID := range n.Inputs {
		upRes := ctx.byNode[upID]
		if upRes == nil || upRes.Output == nil {
			continue
		}
		if out == nil {
			out = upRes.Output
			continue
		}
		// Spec open question: a Passthrough node with multiple inbound
		// edges must be compatible on all of them, else resolution fails.
		ok, dim, reason := Dimensions(upRes.Output, out)
		if !ok {
			return nil, pipelineapi.NewIncompatibleCapabilities(upID, id, dim, reason)
		}
	}
	return out, nil
}

// Revalidate implements the phase-2 re-check of spec §4.C: after a
// RuntimeDiscovered node's initialize() returns and it publishes
// actual capabilities, the resolver re-checks only the edges incident
// to that node.
func Revalidate(g *graph.Graph, ctx *Context, nodeID string, actual *MediaConstraints) error {
	r, ok := ctx.byNode[nodeID]
	if !ok {
		return pipelineapi.NewInternal(nil)
	}
	r.Output = actual
	r.OutputSource = SourceDiscovered

	n := g.Nodes[nodeID]
	for _, downID := range n.Outputs {
		down := ctx.byNode[downID]
		if down == nil {
			continue
		}
		ok, dim, reason := Dimensions(actual, down.Input)
		if !ok {
			return pipelineapi.NewDeviceCapabilityMismatch(nodeID, "edge to "+downID+" dimension "+dim+": "+reason)
		}
	}
	for _, upID := range n.Inputs {
		up := ctx.byNode[upID]
		if up == nil {
			continue
		}
		ok, dim, reason := Dimensions(up.Output, actual)
		if !ok {
			return pipelineapi.NewDeviceCapabilityMismatch(nodeID, "edge from "+upID+" dimension "+dim+": "+reason)
		}
	}
	return nil
}
