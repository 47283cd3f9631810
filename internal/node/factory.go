package node

import (
	"encoding/json"

	"github.com/mediarunner/pipelined/internal/capability"
)

// Factory constructs a node from (id, params, session_id) and exposes
// the factory-level capability hooks, a stable node_type, and optional
// schema metadata (spec §4.D).
type Factory interface {
	NodeType() string
	Create(id string, params json.RawMessage, sessionID string) (Node, error)

	IsSubprocessNode() bool
	IsMultiOutputStreaming() bool

	Behavior() capability.Behavior
	// Declared returns the factory-declared capabilities; Configured
	// behavior nodes must read params.
	Declared(params json.RawMessage) (*capability.NodeCapabilities, error)
	// Potential returns a broad range for RuntimeDiscovered nodes
	// before initialize() has run.
	Potential(params json.RawMessage) (*capability.MediaConstraints, error)

	// Schema returns config-schema metadata for UI/type generation, or
	// nil if the node declares none.
	Schema() *Schema
}

// BaseFactory is an embeddable helper implementing the capability
// hooks for the common case of a Static or Configured node with no
// RuntimeDiscovered behavior, sparing simple factories the
// boilerplate (teacher pattern: shared/base_stage.go's embeddable
// defaults, generalized to the factory interface).
type BaseFactory struct {
	Type            string
	NodeBehavior    capability.Behavior
	Capabilities    *capability.NodeCapabilities
	Subprocess      bool
	MultiOutput     bool
	ConfigSchema    *Schema
}

func (b BaseFactory) NodeType() string { return b.Type }
func (b BaseFactory) IsSubprocessNode() bool { return b.Subprocess }
func (b BaseFactory) IsMultiOutputStreaming() bool { return b.MultiOutput }
func (b BaseFactory) Behavior() capability.Behavior { return b.NodeBehavior }
func (b BaseFactory) Schema() *Schema { return b.ConfigSchema }

func (b BaseFactory) Declared(_ json.RawMessage) (*capability.NodeCapabilities, error) {
	return b.Capabilities, nil
}

func (b BaseFactory) Potential(_ json.RawMessage) (*capability.MediaConstraints, error) {
	if b.Capabilities == nil {
		return nil, nil
	}
	return b.Capabilities.Output, nil
}
