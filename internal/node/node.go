// Package node defines the uniform node contract (spec §4.D): the
// synchronous/streaming processing interfaces every node implements a
// subset of, the factory that constructs nodes from manifest params,
// and the string-keyed registry of factories.
package node

import (
	"context"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/media"
)

// EmitFunc is the non-returning callback a streaming node calls zero,
// one, or many times per input (spec §4.D, §9 "generators"). The
// router, not the node, decides what happens to each emission.
type EmitFunc func(media.Packet)

// Node is the minimal contract every node implements. Processing
// behavior is one of Processor or StreamProcessor (spec §4.D "One
// of:"); a node may implement either or both, type-asserted by the
// router's per-node task.
type Node interface {
	NodeType() string
	Initialize(ctx context.Context) error
}

// Processor is the synchronous single-shot processing contract.
type Processor interface {
	Process(ctx context.Context, pkt media.Packet) (media.Packet, error)
}

// StreamProcessor is the streaming contract: process_streaming(packet,
// session_id, emit) may call emit zero, one, or many times.
type StreamProcessor interface {
	ProcessStreaming(ctx context.Context, pkt media.Packet, sessionID string, emit EmitFunc) error
}

// MultiProcessor is the optional process_multi(map<port, packet>) hook
// for nodes that fan in more than one inbound edge.
type MultiProcessor interface {
	ProcessMulti(ctx context.Context, inputs map[string]media.Packet) (media.Packet, error)
}

// ControlProcessor is the optional process_control hook; a node that
// implements it handles ControlMessage packets itself, otherwise they
// are forwarded unchanged (spec §4.F "Control messages").
type ControlProcessor interface {
	ProcessControl(ctx context.Context, pkt media.Packet, sessionID string) (handled bool, err error)
}

// UpstreamConfigurable is the optional configure_from_upstream hook
// used by Adaptive/Passthrough neighbors during phase-2 re-validation
// (spec §4.C).
type UpstreamConfigurable interface {
	ConfigureFromUpstream(caps *capability.MediaConstraints) error
}

// StreamFinisher is the optional finish_streaming hook for nodes that
// buffer work and must flush on input close (spec §4.D, §4.F).
type StreamFinisher interface {
	FinishStreaming(ctx context.Context, emit EmitFunc) error
}

// ActualCapabilitiesReporter is implemented by RuntimeDiscovered nodes
// to publish actual_capabilities() once initialize() returns (§4.C
// phase-2 re-validation).
type ActualCapabilitiesReporter interface {
	ActualCapabilities() *capability.MediaConstraints
}

// RecoverableErrors is implemented by a node whose process() failures
// are recoverable: the router drops the offending packet and
// continues rather than terminating the session (spec §7 propagation
// policy). Absence of this interface means errors are session-fatal.
type RecoverableErrors interface {
	RecoverableErrors() bool
}
