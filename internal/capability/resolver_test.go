package capability

import (
	"testing"

	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider maps node type -> (behavior, declared capabilities).
type fakeProvider struct {
	behaviors map[string]Behavior
	declared  map[string]*NodeCapabilities
	potential map[string]*MediaConstraints
}

func (f fakeProvider) Behavior(nodeType string) Behavior { return f.behaviors[nodeType] }
func (f fakeProvider) Declared(nodeType string, _ []byte) (*NodeCapabilities, error) {
	return f.declared[nodeType], nil
}
func (f fakeProvider) Potential(nodeType string, _ []byte) (*MediaConstraints, error) {
	return f.potential[nodeType], nil
}

func audioExact(rate uint32) *MediaConstraints {
	return &MediaConstraints{
		Kind: media.KindAudio,
		Audio: &AudioConstraints{
			SampleRate: ExactValue(rate),
			Channels:   Unconstrained[uint16](),
			Format:     Unconstrained[string](),
		},
	}
}

func buildGraph(t *testing.T, nodes []manifest.NodeSpec, conns []manifest.Connection) *graph.Graph {
	t.Helper()
	m := &manifest.Manifest{Nodes: nodes, Connections: conns}
	g, err := graph.Build(m)
	require.NoError(t, err)
	return g
}

// S3: capability conflict, no resampler.
func TestResolve_IncompatibleCapabilities(t *testing.T) {
	g := buildGraph(t,
		[]manifest.NodeSpec{{ID: "src", NodeType: "Src"}, {ID: "dst", NodeType: "Dst"}},
		[]manifest.Connection{{From: "src", To: "dst"}},
	)
	provider := fakeProvider{
		behaviors: map[string]Behavior{"Src": BehaviorStatic, "Dst": BehaviorStatic},
		declared: map[string]*NodeCapabilities{
			"Src": {Output: audioExact(48000)},
			"Dst": {Input: audioExact(16000)},
		},
	}

	_, err := Resolve(g, provider)
	require.Error(t, err)
	var pErr *pipelineapi.Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, pipelineapi.KindIncompatibleCapabilities, pErr.Kind)
	assert.Equal(t, "sample_rate", pErr.Dimension)
	assert.Equal(t, [2]string{"src", "dst"}, pErr.Edge)
}

// S4: adaptive resampler resolves inherited input / negotiated output.
func TestResolve_AdaptiveResampler(t *testing.T) {
	g := buildGraph(t,
		[]manifest.NodeSpec{{ID: "src", NodeType: "Src"}, {ID: "rs", NodeType: "Resampler"}, {ID: "dst", NodeType: "Dst"}},
		[]manifest.Connection{{From: "src", To: "rs"}, {From: "rs", To: "dst"}},
	)
	provider := fakeProvider{
		behaviors: map[string]Behavior{"Src": BehaviorStatic, "Resampler": BehaviorAdaptive, "Dst": BehaviorStatic},
		declared: map[string]*NodeCapabilities{
			"Src": {Output: audioExact(48000)},
			"Dst": {Input: audioExact(16000)},
		},
	}

	ctx, err := Resolve(g, provider)
	require.NoError(t, err)

	rs, ok := ctx.Get("rs")
	require.True(t, ok)
	require.NotNil(t, rs.Input)
	require.NotNil(t, rs.Output)
	assert.Equal(t, uint32(48000), rs.Input.Audio.SampleRate.Exact)
	assert.Equal(t, uint32(16000), rs.Output.Audio.SampleRate.Exact)
	assert.Equal(t, SourceInherited, rs.InputSource)
	assert.Equal(t, SourceNegotiated, rs.OutputSource)
}

func TestCompatible_Dimensions(t *testing.T) {
	ok, _ := Compatible(Unconstrained[uint32](), ExactValue[uint32](1))
	assert.True(t, ok)

	ok, _ = Compatible(ExactValue[uint32](1), ExactValue[uint32](2))
	assert.False(t, ok)

	ok, _ = Compatible(RangeValue[uint32](10, 20), RangeValue[uint32](15, 25))
	assert.True(t, ok)

	ok, _ = Compatible(RangeValue[uint32](10, 20), RangeValue[uint32](21, 30))
	assert.False(t, ok)

	ok, _ = Compatible(OneOfValue("a", "b"), OneOfValue("b", "c"))
	assert.True(t, ok)

	ok, _ = Compatible(OneOfValue("a"), OneOfValue("b"))
	assert.False(t, ok)
}

func TestNarrow_Range(t *testing.T) {
	n, ok := Narrow(RangeValue[uint32](10, 50), RangeValue[uint32](20, 30))
	require.True(t, ok)
	assert.Equal(t, uint32(20), n.Min)
	assert.Equal(t, uint32(30), n.Max)

	_, ok = Narrow(RangeValue[uint32](10, 15), RangeValue[uint32](20, 30))
	assert.False(t, ok)
}

func TestResolve_PassthroughInheritsUpstream(t *testing.T) {
	g := buildGraph(t,
		[]manifest.NodeSpec{{ID: "src", NodeType: "Src"}, {ID: "pt", NodeType: "PassThrough"}},
		[]manifest.Connection{{From: "src", To: "pt"}},
	)
	provider := fakeProvider{
		behaviors: map[string]Behavior{"Src": BehaviorStatic, "PassThrough": BehaviorPassthrough},
		declared: map[string]*NodeCapabilities{
			"Src": {Output: audioExact(44100)},
		},
	}
	ctx, err := Resolve(g, provider)
	require.NoError(t, err)
	pt, _ := ctx.Get("pt")
	require.NotNil(t, pt.Output)
	assert.Equal(t, uint32(44100), pt.Output.Audio.SampleRate.Exact)
}
