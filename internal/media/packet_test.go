package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_ItemCount(t *testing.T) {
	cases := []struct {
		name string
		p    Packet
		want int
	}{
		{"audio", NewAudio([]float32{0, 0.1, 0.2}, 48000, 1), 3},
		{"video", NewVideo([]byte{1, 2, 3}, 4, 4, PixelFormatRGB24), 1},
		{"text", NewText("hello"), 5},
		{"json", NewJSON(map[string]any{"a": 1}), 1},
		{"binary", NewBinary([]byte{1, 2, 3, 4}), 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.p.ItemCount())
		})
	}
}

func TestPacket_DataTypeTag(t *testing.T) {
	assert.Equal(t, "audio", NewAudio(nil, 16000, 1).DataTypeTag())
	assert.Equal(t, "control", NewControl(ControlFlushBuffer, "", 0, nil).DataTypeTag())
}

func TestFrameRoundTrip_Audio(t *testing.T) {
	p := NewAudio([]float32{0, 0.25, -0.5, 1.0}, 48000, 2)
	frame, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindAudio, got.Kind)
	assert.Equal(t, p.Audio.SampleRateHz, got.Audio.SampleRateHz)
	assert.Equal(t, p.Audio.Channels, got.Audio.Channels)
	assert.Equal(t, p.Audio.Samples, got.Audio.Samples)
}

func TestFrameRoundTrip_Video(t *testing.T) {
	p := NewVideo([]byte{9, 8, 7, 6, 5}, 640, 480, PixelFormatYUV420P)
	frame, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindVideo, got.Kind)
	assert.Equal(t, p.Video.Width, got.Video.Width)
	assert.Equal(t, p.Video.Height, got.Video.Height)
	assert.Equal(t, p.Video.PixelFormat, got.Video.PixelFormat)
	assert.Equal(t, p.Video.Pixels, got.Video.Pixels)
}

func TestFrameRoundTrip_TextJSONBinary(t *testing.T) {
	for _, p := range []Packet{
		NewText("hello world"),
		NewJSON(map[string]any{"x": float64(1), "y": "z"}),
		NewBinary([]byte{0xde, 0xad, 0xbe, 0xef}),
	} {
		frame, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, p.Kind, got.Kind)
		switch p.Kind {
		case KindText:
			assert.Equal(t, p.Text, got.Text)
		case KindJSON:
			assert.Equal(t, p.JSON, got.JSON)
		case KindBinary:
			assert.Equal(t, p.Binary, got.Binary)
		}
	}
}

func TestFrameRoundTrip_Control(t *testing.T) {
	p := NewControl(ControlCancelSpeculation, "seg-42", 1234, map[string]any{"reason": "barge-in"})
	frame, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, KindControl, got.Kind)
	assert.Equal(t, p.Control.Kind, got.Control.Kind)
	assert.Equal(t, p.Control.SegmentID, got.Control.SegmentID)
	assert.Equal(t, p.Control.TimestampMs, got.Control.TimestampMs)
	assert.Equal(t, p.Control.Metadata, got.Control.Metadata)
}

func TestDecode_TruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPacket_Validate(t *testing.T) {
	assert.NoError(t, NewText("x").Validate())
	assert.Error(t, Packet{Kind: KindAudio}.Validate())
	assert.Error(t, Packet{Kind: "bogus"}.Validate())
}
