// Package media implements the tagged-variant packet model that flows
// through the pipeline graph: audio samples, video frames, text, JSON
// events, opaque binary payloads, and control messages. Every node,
// the router, and the shared-memory transport speak this one type.
package media

import "fmt"

// Kind tags which variant a Packet holds.
type Kind string

const (
	KindAudio   Kind = "audio"
	KindVideo   Kind = "video"
	KindText    Kind = "text"
	KindJSON    Kind = "json"
	KindBinary  Kind = "binary"
	KindControl Kind = "control"
)

// SampleFormat enumerates the audio sample encodings a node may declare.
type SampleFormat string

const (
	SampleFormatF32  SampleFormat = "f32"
	SampleFormatS16  SampleFormat = "s16"
	SampleFormatS32  SampleFormat = "s32"
	SampleFormatU8   SampleFormat = "u8"
	SampleFormatUnknown SampleFormat = ""
)

// PixelFormat enumerates the video pixel layouts a node may declare.
type PixelFormat string

const (
	PixelFormatRGB24 PixelFormat = "rgb24"
	PixelFormatRGBA  PixelFormat = "rgba"
	PixelFormatYUV420P PixelFormat = "yuv420p"
	PixelFormatNV12  PixelFormat = "nv12"
	PixelFormatUnknown PixelFormat = ""
)

// ControlKind enumerates the recognized control-message kinds (§3).
type ControlKind string

const (
	ControlCancelSpeculation ControlKind = "CancelSpeculation"
	ControlFlushBuffer       ControlKind = "FlushBuffer"
	ControlUpdatePolicy      ControlKind = "UpdatePolicy"
)

// Audio is the Audio variant payload.
type Audio struct {
	Samples      []float32
	SampleRateHz uint32
	Channels     uint16
}

// Video is the Video variant payload. Pixels is opaque bytes in the
// declared PixelFormat; the packet model never interprets them.
type Video struct {
	Pixels      []byte
	Width       uint32
	Height      uint32
	PixelFormat PixelFormat
}

// Control is the ControlMessage variant payload.
type Control struct {
	Kind        ControlKind
	SegmentID   string
	TimestampMs int64
	Metadata    map[string]any
}

// Packet is the tagged variant described in spec §3. Exactly one of the
// payload fields is populated, selected by Kind.
type Packet struct {
	Kind Kind

	Audio   *Audio
	Video   *Video
	Text    string
	JSON    any
	Binary  []byte
	Control *Control

	// Sequence/SubSequence are stamped by the router (§4.F), not by the
	// node or the wire codec; they travel alongside the packet once it
	// enters a DataPacket envelope (see internal/router).
}

// NewAudio constructs an Audio packet.
func NewAudio(samples []float32, sampleRateHz uint32, channels uint16) Packet {
	return Packet{Kind: KindAudio, Audio: &Audio{Samples: samples, SampleRateHz: sampleRateHz, Channels: channels}}
}

// NewVideo constructs a Video packet.
func NewVideo(pixels []byte, width, height uint32, format PixelFormat) Packet {
	return Packet{Kind: KindVideo, Video: &Video{Pixels: pixels, Width: width, Height: height, PixelFormat: format}}
}

// NewText constructs a Text packet.
func NewText(s string) Packet {
	return Packet{Kind: KindText, Text: s}
}

// NewJSON constructs a Json packet.
func NewJSON(v any) Packet {
	return Packet{Kind: KindJSON, JSON: v}
}

// NewBinary constructs a Binary packet.
func NewBinary(b []byte) Packet {
	return Packet{Kind: KindBinary, Binary: b}
}

// NewControl constructs a ControlMessage packet.
func NewControl(kind ControlKind, segmentID string, timestampMs int64, metadata map[string]any) Packet {
	return Packet{Kind: KindControl, Control: &Control{Kind: kind, SegmentID: segmentID, TimestampMs: timestampMs, Metadata: metadata}}
}

// DataTypeTag returns the stable string label used for metrics and for
// the shared-memory frame header's type tag (§4.H).
func (p Packet) DataTypeTag() string {
	return string(p.Kind)
}

// ItemCount returns samples/frames/chars/bytes depending on variant.
func (p Packet) ItemCount() int {
	switch p.Kind {
	case KindAudio:
		if p.Audio == nil {
			return 0
		}
		return len(p.Audio.Samples)
	case KindVideo:
		return 1
	case KindText:
		return len([]rune(p.Text))
	case KindJSON:
		return 1
	case KindBinary:
		return len(p.Binary)
	case KindControl:
		return 1
	default:
		return 0
	}
}

// ByteSize returns an approximate wire size in bytes, used for buffer
// accounting and metrics; it does not need to match the exact frame
// encoding byte-for-byte.
func (p Packet) ByteSize() int {
	switch p.Kind {
	case KindAudio:
		if p.Audio == nil {
			return 0
		}
		return len(p.Audio.Samples) * 4
	case KindVideo:
		if p.Video == nil {
			return 0
		}
		return len(p.Video.Pixels)
	case KindText:
		return len(p.Text)
	case KindJSON:
		return 0
	case KindBinary:
		return len(p.Binary)
	case KindControl:
		return 0
	default:
		return 0
	}
}

// Validate checks that exactly the payload matching Kind is populated.
func (p Packet) Validate() error {
	switch p.Kind {
	case KindAudio:
		if p.Audio == nil {
			return fmt.Errorf("media: audio packet missing payload")
		}
	case KindVideo:
		if p.Video == nil {
			return fmt.Errorf("media: video packet missing payload")
		}
	case KindControl:
		if p.Control == nil {
			return fmt.Errorf("media: control packet missing payload")
		}
	case KindText, KindJSON, KindBinary:
		// zero values are legal payloads for these variants
	default:
		return fmt.Errorf("media: unknown packet kind %q", p.Kind)
	}
	return nil
}
