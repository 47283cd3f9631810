package node

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mediarunner/pipelined/internal/capability"
)

// Registry is a string-keyed map of factories (spec §4.D). It
// implements capability.Provider and manifest.TypeChecker so the
// resolver and manifest validation can depend on it without a direct
// import cycle.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory, keyed by its own NodeType().
func (r *Registry) Register(f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := f.NodeType()
	if t == "" {
		return fmt.Errorf("node: factory has empty node type")
	}
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("node: type %q already registered", t)
	}
	r.factories[t] = f
	return nil
}

// Has reports whether nodeType is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// Create instantiates a node via its factory.
func (r *Registry) Create(nodeType, id string, params json.RawMessage, sessionID string) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("node: unregistered type %q", nodeType)
	}
	return f.Create(id, params, sessionID)
}

// Factory returns the registered factory for nodeType.
func (r *Registry) Factory(nodeType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[nodeType]
	return f, ok
}

// ListTypes returns every registered node type name.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// CollectSchemas returns the schema metadata of every factory that
// declares one.
func (r *Registry) CollectSchemas() map[string]*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Schema)
	for t, f := range r.factories {
		if s := f.Schema(); s != nil {
			out[t] = s
		}
	}
	return out
}

// Behavior implements capability.Provider.
func (r *Registry) Behavior(nodeType string) capability.Behavior {
	f, ok := r.Factory(nodeType)
	if !ok {
		return ""
	}
	return f.Behavior()
}

// Declared implements capability.Provider.
func (r *Registry) Declared(nodeType string, params []byte) (*capability.NodeCapabilities, error) {
	f, ok := r.Factory(nodeType)
	if !ok {
		return nil, fmt.Errorf("node: unregistered type %q", nodeType)
	}
	return f.Declared(params)
}

// Potential implements capability.Provider.
func (r *Registry) Potential(nodeType string, params []byte) (*capability.MediaConstraints, error) {
	f, ok := r.Factory(nodeType)
	if !ok {
		return nil, fmt.Errorf("node: unregistered type %q", nodeType)
	}
	return f.Potential(params)
}

// ValidateParams implements manifest.ParamsValidator: it is a no-op
// structural check beyond "params is valid JSON if present", since
// node-specific schema validation is a factory concern not modeled as
// Go types in this runtime.
func (r *Registry) ValidateParams(nodeType string, params []byte) error {
	if len(params) == 0 {
		return nil
	}
	var v any
	return json.Unmarshal(params, &v)
}

// CompositeRegistry layers multiple registries by priority (e.g. user
// > audio > system, spec §4.D); lookup walks layers high-to-low and
// reports the first hit.
type CompositeRegistry struct {
	layers []*Registry
}

// NewCompositeRegistry builds a composite from layers in priority
// order, highest priority first.
func NewCompositeRegistry(layers ...*Registry) *CompositeRegistry {
	return &CompositeRegistry{layers: layers}
}

func (c *CompositeRegistry) find(nodeType string) (Factory, bool) {
	for _, l := range c.layers {
		if f, ok := l.Factory(nodeType); ok {
			return f, true
		}
	}
	return nil, false
}

// Has reports whether any layer registers nodeType.
func (c *CompositeRegistry) Has(nodeType string) bool {
	_, ok := c.find(nodeType)
	return ok
}

// Create instantiates a node from the first layer that registers nodeType.
func (c *CompositeRegistry) Create(nodeType, id string, params json.RawMessage, sessionID string) (Node, error) {
	f, ok := c.find(nodeType)
	if !ok {
		return nil, fmt.Errorf("node: unregistered type %q", nodeType)
	}
	return f.Create(id, params, sessionID)
}

// Factory returns the first layer's factory registered for nodeType.
func (c *CompositeRegistry) Factory(nodeType string) (Factory, bool) { return c.find(nodeType) }

// ListTypes returns the union of every layer's registered types.
func (c *CompositeRegistry) ListTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, l := range c.layers {
		for _, t := range l.ListTypes() {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	return types
}

// Behavior implements capability.Provider.
func (c *CompositeRegistry) Behavior(nodeType string) capability.Behavior {
	f, ok := c.find(nodeType)
	if !ok {
		return ""
	}
	return f.Behavior()
}

// Declared implements capability.Provider.
func (c *CompositeRegistry) Declared(nodeType string, params []byte) (*capability.NodeCapabilities, error) {
	f, ok := c.find(nodeType)
	if !ok {
		return nil, fmt.Errorf("node: unregistered type %q", nodeType)
	}
	return f.Declared(params)
}

// Potential implements capability.Provider.
func (c *CompositeRegistry) Potential(nodeType string, params []byte) (*capability.MediaConstraints, error) {
	f, ok := c.find(nodeType)
	if !ok {
		return nil, fmt.Errorf("node: unregistered type %q", nodeType)
	}
	return f.Potential(params)
}
