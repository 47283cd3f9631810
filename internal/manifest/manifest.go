// Package manifest defines the declarative pipeline manifest (spec §3,
// §6) and the build/validate passes that turn it into a compiled graph.
// It follows the teacher's Builder.validate()-then-Build() discipline:
// a manifest is first checked against a node registry (Validate), then
// compiled into a traversable graph (internal/graph).
package manifest

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// RuntimeHint selects where a node's processing actually executes.
type RuntimeHint string

const (
	RuntimeAuto           RuntimeHint = "Auto"
	RuntimeLocalInProc    RuntimeHint = "LocalInProc"
	RuntimeLocalSubprocess RuntimeHint = "LocalSubprocess"
	RuntimeContainer      RuntimeHint = "Container"
)

// HostSpec carries subprocess/container placement hints for a node
// whose RuntimeHint requires out-of-process execution (§4.G).
type HostSpec struct {
	BinaryPath string            `json:"binary_path,omitempty" yaml:"binary_path,omitempty"`
	Image      string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// NodeSpec describes one node in the manifest (spec §3).
type NodeSpec struct {
	ID           string          `json:"id" yaml:"id"`
	NodeType     string          `json:"node_type" yaml:"node_type"`
	Params       json.RawMessage `json:"params,omitempty" yaml:"params,omitempty"`
	IsStreaming  bool            `json:"is_streaming" yaml:"is_streaming"`
	RuntimeHint  RuntimeHint     `json:"runtime_hint,omitempty" yaml:"runtime_hint,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Host         *HostSpec       `json:"host,omitempty" yaml:"host,omitempty"`
}

// Connection is a directed edge between two node ids.
type Connection struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Metadata carries the manifest's human-facing name/description.
type Metadata struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Manifest is the top-level wire document (spec §3, §6).
type Manifest struct {
	Version     string       `json:"version" yaml:"version"`
	Metadata    Metadata     `json:"metadata" yaml:"metadata"`
	Nodes       []NodeSpec   `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
}

// Parse decodes a manifest document, accepting either JSON or YAML
// (spec §4.B: pipelined validate accepts a manifest file in either
// format). Parse only sees raw bytes, not a file extension, so the
// format is sniffed from content: a JSON document's first non-blank
// byte is always '{'.
func Parse(data []byte) (*Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJSON(data)
	}
	return parseYAML(data)
}

func parseJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// parseYAML decodes into a generic document first, then re-marshals to
// JSON and runs that through the same json.Unmarshal path parseJSON
// uses: Params and Capabilities are json.RawMessage, which only know
// how to UnmarshalJSON, so yaml.Unmarshal can't target a Manifest
// directly without losing those fields' content.
func parseYAML(data []byte) (*Manifest, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return parseJSON(asJSON)
}

// Marshal serializes the manifest back to its JSON wire form
// (spec §8 property 10: serialize∘parse is the identity modulo
// equivalent-parameter normalization).
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
