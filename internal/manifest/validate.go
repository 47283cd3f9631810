package manifest

import (
	"fmt"

	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// TypeChecker is the minimal view of a node registry that validation
// needs. internal/node.Registry implements it; keeping the dependency
// this way avoids manifest importing node (which in turn may need
// manifest's types for factory params).
type TypeChecker interface {
	Has(nodeType string) bool
}

// ParamsValidator is an optional TypeChecker extension: a registry that
// can additionally check params against a node type's config schema.
type ParamsValidator interface {
	TypeChecker
	ValidateParams(nodeType string, params []byte) error
}

// Validate checks non-empty name, every node_type is registered, and
// (if the registry supports it) that params parse under that node's
// config schema (spec §4.B). Failures surface as InvalidManifest
// carrying the offending node id.
func Validate(m *Manifest, registry TypeChecker) error {
	if m.Metadata.Name == "" {
		return pipelineapi.NewInvalidManifest("", "metadata.name must not be empty")
	}
	if len(m.Nodes) == 0 {
		return pipelineapi.NewInvalidManifest("", "manifest must declare at least one node")
	}

	seen := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.ID == "" {
			return pipelineapi.NewInvalidManifest("", "node id must not be empty")
		}
		if seen[n.ID] {
			return pipelineapi.NewInvalidManifest(n.ID, "duplicate node id")
		}
		seen[n.ID] = true

		if n.NodeType == "" {
			return pipelineapi.NewInvalidManifest(n.ID, "node_type must not be empty")
		}
		if registry != nil && !registry.Has(n.NodeType) {
			return pipelineapi.NewUnknownNodeType(n.ID, n.NodeType)
		}
		if err := validateRuntimeHint(n.RuntimeHint); err != nil {
			return pipelineapi.NewInvalidManifest(n.ID, err.Error())
		}

		if pv, ok := registry.(ParamsValidator); ok && registry != nil {
			if err := pv.ValidateParams(n.NodeType, n.Params); err != nil {
				return pipelineapi.NewInvalidManifest(n.ID, fmt.Sprintf("invalid params: %v", err))
			}
		}
	}

	for _, c := range m.Connections {
		if !seen[c.From] {
			return pipelineapi.NewInvalidManifest(c.From, "connection references unknown node id")
		}
		if !seen[c.To] {
			return pipelineapi.NewInvalidManifest(c.To, "connection references unknown node id")
		}
	}

	return nil
}

func validateRuntimeHint(h RuntimeHint) error {
	switch h {
	case "", RuntimeAuto, RuntimeLocalInProc, RuntimeLocalSubprocess, RuntimeContainer:
		return nil
	default:
		return fmt.Errorf("unknown runtime_hint %q", h)
	}
}
