package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/internal/node"
	"github.com/mediarunner/pipelined/internal/nodecache"
)

type echoNode struct{}

func (n *echoNode) NodeType() string                                               { return "Echo" }
func (n *echoNode) Initialize(context.Context) error                               { return nil }
func (n *echoNode) Process(_ context.Context, p media.Packet) (media.Packet, error) { return p, nil }

type echoFactory struct{ node.BaseFactory }

func newEchoFactory() *echoFactory {
	return &echoFactory{node.BaseFactory{Type: "Echo", NodeBehavior: capability.BehaviorStatic}}
}

func (f *echoFactory) Create(string, json.RawMessage, string) (node.Node, error) { return &echoNode{}, nil }

// splitterNode emits two packets per input (multi-yield).
type splitterNode struct{}

func (n *splitterNode) NodeType() string                     { return "Splitter" }
func (n *splitterNode) Initialize(context.Context) error     { return nil }
func (n *splitterNode) ProcessStreaming(_ context.Context, p media.Packet, _ string, emit node.EmitFunc) error {
	emit(p)
	emit(p)
	return nil
}

type splitterFactory struct{ node.BaseFactory }

func newSplitterFactory() *splitterFactory {
	return &splitterFactory{node.BaseFactory{Type: "Splitter", NodeBehavior: capability.BehaviorStatic, MultiOutput: true}}
}

func (f *splitterFactory) Create(string, json.RawMessage, string) (node.Node, error) {
	return &splitterNode{}, nil
}

func buildSession(t *testing.T, nodeType string) (*Session, *node.Registry) {
	t.Helper()

	m := &manifest.Manifest{
		Version:  "1",
		Metadata: manifest.Metadata{Name: "test"},
		Nodes: []manifest.NodeSpec{
			{ID: "src", NodeType: nodeType},
			{ID: "sink", NodeType: "Echo"},
		},
		Connections: []manifest.Connection{{From: "src", To: "sink"}},
	}

	g, err := graph.Build(m)
	require.NoError(t, err)

	reg := node.NewRegistry()
	require.NoError(t, reg.Register(newEchoFactory()))
	if nodeType == "Splitter" {
		require.NoError(t, reg.Register(newSplitterFactory()))
	}

	capCtx, err := capability.Resolve(g, reg)
	require.NoError(t, err)

	cache := nodecache.New(nil, time.Minute, time.Minute)
	cfg := Config{MaxBufferDepth: 10, DropPolicy: DropOldest, ShutdownBudget: 500 * time.Millisecond}
	sess := NewSession("sess-1", g, capCtx, reg, cache, nil, nil, nil, cfg)
	return sess, reg
}

func TestSession_PassThroughRouting(t *testing.T) {
	sess, _ := buildSession(t, "Echo")
	ctx := context.Background()
	require.NoError(t, sess.Initialize(ctx))

	go func() { _ = sess.Run(ctx) }()

	sess.Push(DataPacket{Payload: media.NewText("hi"), FromNode: "client", Sequence: 1})

	item, ok := sess.Outbound()
	require.True(t, ok)
	assert.Equal(t, "hi", item.Packet.Text)

	require.NoError(t, sess.Shutdown(ctx))
}

func TestSession_MultiYieldNode(t *testing.T) {
	sess, _ := buildSession(t, "Splitter")
	ctx := context.Background()
	require.NoError(t, sess.Initialize(ctx))

	go func() { _ = sess.Run(ctx) }()

	sess.Push(DataPacket{Payload: media.NewText("hi"), FromNode: "client", Sequence: 1})

	item1, ok := sess.Outbound()
	require.True(t, ok)
	item2, ok := sess.Outbound()
	require.True(t, ok)
	assert.Equal(t, "hi", item1.Packet.Text)
	assert.Equal(t, "hi", item2.Packet.Text)
	assert.Equal(t, uint64(0), item1.SubSequence)
	assert.Equal(t, uint64(1), item2.SubSequence)

	require.NoError(t, sess.Shutdown(ctx))
}

// fakeRemoteHandle is a router.RemoteHandle test double: Send always
// returns sendErr, and completionCB/outputCB are exposed so a test can
// drive them directly instead of going through a real ipcThread.
type fakeRemoteHandle struct {
	sendErr error

	mu           sync.Mutex
	outputCB     func(media.Packet)
	completionCB func()
}

func (h *fakeRemoteHandle) Send(context.Context, media.Packet) error { return h.sendErr }

func (h *fakeRemoteHandle) RegisterOutputCallback(cb func(media.Packet)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputCB = cb
}

func (h *fakeRemoteHandle) RegisterCompletionCallback(cb func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completionCB = cb
}

func (h *fakeRemoteHandle) Shutdown(context.Context) error { return nil }

type fakeSpawner struct{ handle *fakeRemoteHandle }

func (s *fakeSpawner) Spawn(context.Context, string, *graph.Node, bool) (RemoteHandle, error) {
	return s.handle, nil
}

// TestSession_RemoteNodeFailure_TerminatesSession is spec §8 scenario
// S7: a remote node failure must shut the whole session down within
// one scheduling tick rather than leaving every other node task and
// dispatchLoop blocked forever on their queues.
func TestSession_RemoteNodeFailure_TerminatesSession(t *testing.T) {
	m := &manifest.Manifest{
		Version:  "1",
		Metadata: manifest.Metadata{Name: "test"},
		Nodes: []manifest.NodeSpec{
			{ID: "src", NodeType: "Echo", RuntimeHint: manifest.RuntimeLocalSubprocess},
			{ID: "sink", NodeType: "Echo"},
		},
		Connections: []manifest.Connection{{From: "src", To: "sink"}},
	}
	g, err := graph.Build(m)
	require.NoError(t, err)

	reg := node.NewRegistry()
	require.NoError(t, reg.Register(newEchoFactory()))

	capCtx, err := capability.Resolve(g, reg)
	require.NoError(t, err)

	handle := &fakeRemoteHandle{sendErr: errors.New("worker crashed")}
	cache := nodecache.New(nil, time.Minute, time.Minute)
	cfg := Config{MaxBufferDepth: 10, DropPolicy: DropOldest, ShutdownBudget: 500 * time.Millisecond}
	sess := NewSession("sess-3", g, capCtx, reg, cache, &fakeSpawner{handle: handle}, nil, nil, cfg)
	require.NoError(t, sess.Initialize(context.Background()))

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.Run(context.Background()) }()

	sess.Push(DataPacket{Payload: media.NewText("hi"), FromNode: "client", ToNode: "src", Sequence: 1})

	select {
	case err := <-runErrCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RemoteNodeFailure")
	case <-time.After(time.Second):
		t.Fatal("session did not terminate after a remote node failure")
	}
}

// TestSession_RemoteSourceCleanExit_CompletesSessionWithoutError is the
// graph-completion half of spec §5 item 2: a source's own clean exit,
// reported through RegisterCompletionCallback, ends Run with a nil
// error rather than RemoteNodeFailure.
func TestSession_RemoteSourceCleanExit_CompletesSessionWithoutError(t *testing.T) {
	m := &manifest.Manifest{
		Version:  "1",
		Metadata: manifest.Metadata{Name: "test"},
		Nodes: []manifest.NodeSpec{
			{ID: "src", NodeType: "Echo", RuntimeHint: manifest.RuntimeLocalSubprocess},
			{ID: "sink", NodeType: "Echo"},
		},
		Connections: []manifest.Connection{{From: "src", To: "sink"}},
	}
	g, err := graph.Build(m)
	require.NoError(t, err)

	reg := node.NewRegistry()
	require.NoError(t, reg.Register(newEchoFactory()))

	capCtx, err := capability.Resolve(g, reg)
	require.NoError(t, err)

	handle := &fakeRemoteHandle{}
	cache := nodecache.New(nil, time.Minute, time.Minute)
	cfg := Config{MaxBufferDepth: 10, DropPolicy: DropOldest, ShutdownBudget: 500 * time.Millisecond}
	sess := NewSession("sess-4", g, capCtx, reg, cache, &fakeSpawner{handle: handle}, nil, nil, cfg)
	require.NoError(t, sess.Initialize(context.Background()))

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.Run(context.Background()) }()

	handle.mu.Lock()
	completionCB := handle.completionCB
	handle.mu.Unlock()
	require.NotNil(t, completionCB)
	completionCB()

	select {
	case err := <-runErrCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not complete after the source's clean exit")
	}
}

func TestSession_UnknownNodeType(t *testing.T) {
	m := &manifest.Manifest{
		Version:  "1",
		Metadata: manifest.Metadata{Name: "test"},
		Nodes:    []manifest.NodeSpec{{ID: "src", NodeType: "Ghost"}},
	}
	g, err := graph.Build(m)
	require.NoError(t, err)

	reg := node.NewRegistry()
	cache := nodecache.New(nil, time.Minute, time.Minute)
	sess := NewSession("sess-2", g, &capability.Context{}, reg, cache, nil, nil, nil, Config{})

	err = sess.Initialize(context.Background())
	assert.Error(t, err)
}
