package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediarunner/pipelined/internal/media"
)

func TestChannel_PublishReceiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, 4096, false)

	pub, err := reg.Publisher("s1_node_input")
	require.NoError(t, err)
	sub, err := reg.Subscriber("s1_node_input")
	require.NoError(t, err)

	ok, err := pub.Publish(media.NewText("hello"))
	require.NoError(t, err)
	assert.True(t, ok)

	pkt, ok, err := sub.Receive()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", pkt.Text)

	_, ok, err = sub.Receive()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannel_PublishRawForReadyHandshake(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, 1024, false)

	pub, err := reg.Publisher("s1_node_control")
	require.NoError(t, err)
	sub, err := reg.Subscriber("s1_node_control")
	require.NoError(t, err)

	assert.True(t, pub.PublishRaw([]byte("READY")))
	raw, ok := sub.ReceiveRaw()
	require.True(t, ok)
	assert.Equal(t, "READY", string(raw))
}

func TestChannel_MultipleFramesFIFO(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, 4096, false)
	pub, err := reg.Publisher("chan")
	require.NoError(t, err)
	sub, err := reg.Subscriber("chan")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ok, err := pub.Publish(media.NewText(string(rune('a' + i))))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < 5; i++ {
		pkt, ok, err := sub.Receive()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), pkt.Text)
	}
}

func TestRegistry_AcquireDedupesByName(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, 4096, false)

	ch1, err := reg.Acquire("shared")
	require.NoError(t, err)
	ch2, err := reg.Acquire("shared")
	require.NoError(t, err)
	assert.Same(t, ch1, ch2)
}

func TestRegistry_ReleaseDestroysOnZeroRefcount(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, 4096, false)

	_, err := reg.Acquire("chan")
	require.NoError(t, err)
	_, err = reg.Acquire("chan")
	require.NoError(t, err)

	require.NoError(t, reg.Release("chan"))
	_, err = os.Stat(filepath.Join(dir, "chan.shm"))
	assert.NoError(t, err, "file should still exist with one outstanding reference")

	require.NoError(t, reg.Release("chan"))
	_, err = os.Stat(filepath.Join(dir, "chan.shm"))
	assert.True(t, os.IsNotExist(err), "file should be removed once refcount reaches zero")
}

func TestNamingScheme(t *testing.T) {
	assert.Equal(t, "sess1_nodeX_input", InputChannelName("sess1", "nodeX"))
	assert.Equal(t, "sess1_nodeX_output", OutputChannelName("sess1", "nodeX"))
	assert.Equal(t, "control/sess1_nodeX", ControlChannelName("sess1", "nodeX"))
}
