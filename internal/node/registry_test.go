package node

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passThroughNode struct{ id string }

func (n *passThroughNode) NodeType() string                          { return "PassThrough" }
func (n *passThroughNode) Initialize(context.Context) error          { return nil }
func (n *passThroughNode) Process(_ context.Context, p media.Packet) (media.Packet, error) {
	return p, nil
}

type passThroughFactory struct{ BaseFactory }

func newPassThroughFactory() *passThroughFactory {
	return &passThroughFactory{BaseFactory{Type: "PassThrough", NodeBehavior: capability.BehaviorPassthrough}}
}

func (f *passThroughFactory) Create(id string, _ json.RawMessage, _ string) (Node, error) {
	return &passThroughNode{id: id}, nil
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPassThroughFactory()))
	assert.True(t, r.Has("PassThrough"))
	assert.False(t, r.Has("Nope"))

	n, err := r.Create("PassThrough", "pt", nil, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "PassThrough", n.NodeType())

	proc, ok := n.(Processor)
	require.True(t, ok)
	out, err := proc.Process(context.Background(), media.NewText("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Text)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newPassThroughFactory()))
	err := r.Register(newPassThroughFactory())
	assert.Error(t, err)
}

func TestRegistry_CreateUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("Ghost", "id", nil, "sess")
	assert.Error(t, err)
}

func TestCompositeRegistry_PriorityOrder(t *testing.T) {
	user := NewRegistry()
	system := NewRegistry()

	userFactory := newPassThroughFactory()
	require.NoError(t, user.Register(userFactory))

	sysFactory := &passThroughFactory{BaseFactory{Type: "PassThrough", NodeBehavior: capability.BehaviorStatic}}
	require.NoError(t, system.Register(sysFactory))

	composite := NewCompositeRegistry(user, system)
	f, ok := composite.Factory("PassThrough")
	require.True(t, ok)
	assert.Equal(t, capability.BehaviorPassthrough, f.Behavior())
}

func TestRegistry_ValidateParams(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.ValidateParams("x", nil))
	assert.NoError(t, r.ValidateParams("x", []byte(`{"a":1}`)))
	assert.Error(t, r.ValidateParams("x", []byte(`not json`)))
}
