package router

import (
	"context"

	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/media"
)

// RemoteSpawner is the narrow seam the router uses to place a node
// outside the process (spec §4.G) without importing internal/nodehost
// directly — the same narrow-interface pattern used between
// internal/manifest/internal/capability and internal/node. internal/
// nodehost.Host implements it.
type RemoteSpawner interface {
	Spawn(ctx context.Context, sessionID string, n *graph.Node, isSource bool) (RemoteHandle, error)
}

// RemoteHandle is the dedicated-IPC-thread command mailbox for one
// spawned remote node (spec §4.G): Send publishes a packet on the
// worker's input channel, RegisterOutputCallback arranges for every
// packet the worker emits to be delivered to cb, RegisterCompletionCallback
// arranges for cb to run once if the worker turns out to be a graph
// source that exits normally (spec §4.G "Failure handling", §5 item 2:
// a source's clean exit is graph completion, not a failure), and
// Shutdown drains and joins the IPC thread.
type RemoteHandle interface {
	Send(ctx context.Context, pkt media.Packet) error
	RegisterOutputCallback(cb func(media.Packet))
	RegisterCompletionCallback(cb func())
	Shutdown(ctx context.Context) error
}

// isRemote reports whether n should run out-of-process: either its
// runtime hint pins it there, or (on Auto) the factory itself requires
// it (spec §4.G "the factory does not run the node in-process").
func isRemote(hint runtimeResolution) bool {
	return hint == remoteSubprocess || hint == remoteContainer
}

type runtimeResolution int

const (
	remoteNone runtimeResolution = iota
	remoteSubprocess
	remoteContainer
)
