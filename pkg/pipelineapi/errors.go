// Package pipelineapi holds the types shared across the pipeline runtime's
// internal packages and the streaming RPC service: the error taxonomy of
// spec §7.
package pipelineapi

import "fmt"

// Kind is one of the behavioral error kinds from spec §7. Kind is
// reported on the wire so clients can branch on it without parsing
// error strings.
type Kind string

const (
	KindInvalidManifest         Kind = "InvalidManifest"
	KindGraphHasCycle           Kind = "GraphHasCycle"
	KindUnknownNodeType         Kind = "UnknownNodeType"
	KindIncompatibleCapabilities Kind = "IncompatibleCapabilities"
	KindDeviceCapabilityMismatch Kind = "DeviceCapabilityMismatch"
	KindNodeInitFailed          Kind = "NodeInitFailed"
	KindOutOfOrderChunk         Kind = "OutOfOrderChunk"
	KindBufferOverflow          Kind = "BufferOverflow"
	KindRemoteNodeFailure       Kind = "RemoteNodeFailure"
	KindSessionIdleTimeout      Kind = "SessionIdleTimeout"
	KindSessionLimitExceeded    Kind = "SessionLimitExceeded"
	KindInternal                Kind = "Internal"
)

// Error is the typed error carried across every component boundary
// (spec §9: "translate exceptions/panics to explicit result types").
type Error struct {
	Kind    Kind
	Reason  string
	NodeID  string
	Edge    [2]string // (upstream, downstream) node ids, when applicable
	Dimension string

	cause error
}

func (e *Error) Error() string {
	switch {
	case e.NodeID != "" && e.Reason != "":
		return fmt.Sprintf("%s: node %q: %s", e.Kind, e.NodeID, e.Reason)
	case e.Edge[0] != "" && e.Dimension != "":
		return fmt.Sprintf("%s: edge (%s -> %s) dimension %q: %s", e.Kind, e.Edge[0], e.Edge[1], e.Dimension, e.Reason)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can use errors.Is(err, &pipelineapi.Error{Kind: pipelineapi.KindGraphHasCycle}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewInvalidManifest builds an InvalidManifest error for the offending
// node id (empty when the problem is manifest-wide).
func NewInvalidManifest(nodeID, reason string) *Error {
	return &Error{Kind: KindInvalidManifest, NodeID: nodeID, Reason: reason}
}

// NewGraphHasCycle builds a GraphHasCycle error.
func NewGraphHasCycle(reason string) *Error {
	return &Error{Kind: KindGraphHasCycle, Reason: reason}
}

// NewUnknownNodeType builds an UnknownNodeType error.
func NewUnknownNodeType(nodeID, nodeType string) *Error {
	return &Error{Kind: KindUnknownNodeType, NodeID: nodeID, Reason: fmt.Sprintf("unregistered node type %q", nodeType)}
}

// NewIncompatibleCapabilities builds an IncompatibleCapabilities error
// witnessing the failing (edge, dimension) per spec §4.C / §8 property 3.
func NewIncompatibleCapabilities(upstream, downstream, dimension, reason string) *Error {
	return &Error{Kind: KindIncompatibleCapabilities, Edge: [2]string{upstream, downstream}, Dimension: dimension, Reason: reason}
}

// NewDeviceCapabilityMismatch builds a DeviceCapabilityMismatch error for
// the phase-2 recheck of a RuntimeDiscovered node (§4.C).
func NewDeviceCapabilityMismatch(nodeID, reason string) *Error {
	return &Error{Kind: KindDeviceCapabilityMismatch, NodeID: nodeID, Reason: reason}
}

// NewNodeInitFailed builds a NodeInitFailed error.
func NewNodeInitFailed(nodeID string, cause error) *Error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return &Error{Kind: KindNodeInitFailed, NodeID: nodeID, Reason: reason, cause: cause}
}

// NewOutOfOrderChunk builds an OutOfOrderChunk error.
func NewOutOfOrderChunk(nodeID string, expected, got uint64) *Error {
	return &Error{Kind: KindOutOfOrderChunk, NodeID: nodeID, Reason: fmt.Sprintf("expected sequence >= %d, got %d", expected, got)}
}

// NewBufferOverflow builds a BufferOverflow error. Spec §4.F treats
// buffer overflow as a non-fatal event (the router drops and
// continues), so this constructor exists for logging/event-surface use
// rather than session termination.
func NewBufferOverflow(nodeID string, depth int) *Error {
	return &Error{Kind: KindBufferOverflow, NodeID: nodeID, Reason: fmt.Sprintf("inbound queue at max depth %d", depth)}
}

// NewRemoteNodeFailure builds a RemoteNodeFailure error.
func NewRemoteNodeFailure(nodeID, reason string) *Error {
	return &Error{Kind: KindRemoteNodeFailure, NodeID: nodeID, Reason: reason}
}

// NewSessionIdleTimeout builds a SessionIdleTimeout error.
func NewSessionIdleTimeout() *Error {
	return &Error{Kind: KindSessionIdleTimeout, Reason: "session idle timeout exceeded"}
}

// NewSessionLimitExceeded builds a SessionLimitExceeded error.
func NewSessionLimitExceeded(limit int) *Error {
	return &Error{Kind: KindSessionLimitExceeded, Reason: fmt.Sprintf("process is at capacity (%d concurrent sessions)", limit)}
}

// NewInternal wraps an unexpected failure as the Internal catch-all,
// always expected to be logged with context by the caller.
func NewInternal(cause error) *Error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return &Error{Kind: KindInternal, Reason: reason, cause: cause}
}
