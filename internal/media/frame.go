package media

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Frame header tags, matching the `[u8 data_type tag | u32 payload_len |
// payload bytes | fixed-size metadata]` layout of spec §4.H. Endianness
// is host little-endian; frames are not intended for cross-host
// transport (spec §6).
const (
	tagAudio   byte = 1
	tagVideo   byte = 2
	tagText    byte = 3
	tagJSON    byte = 4
	tagBinary  byte = 5
	tagControl byte = 6
)

var order = binary.LittleEndian

// Encode serializes a Packet into the compact binary frame consumed by
// the shared-memory transport (§4.H). Encode∘Decode is the identity on
// every variant (property 9 in §8).
func Encode(p Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	switch p.Kind {
	case KindAudio:
		return encodeAudio(p.Audio), nil
	case KindVideo:
		return encodeVideo(p.Video), nil
	case KindText:
		return encodeSimple(tagText, []byte(p.Text)), nil
	case KindJSON:
		b, err := json.Marshal(p.JSON)
		if err != nil {
			return nil, fmt.Errorf("media: encoding json payload: %w", err)
		}
		return encodeSimple(tagJSON, b), nil
	case KindBinary:
		return encodeSimple(tagBinary, p.Binary), nil
	case KindControl:
		return encodeControl(p.Control), nil
	default:
		return nil, fmt.Errorf("media: cannot encode unknown kind %q", p.Kind)
	}
}

// Decode parses a frame produced by Encode back into a Packet.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < 5 {
		return Packet{}, fmt.Errorf("media: frame too short (%d bytes)", len(frame))
	}
	tag := frame[0]
	payloadLen := order.Uint32(frame[1:5])
	rest := frame[5:]
	if uint32(len(rest)) < payloadLen {
		return Packet{}, fmt.Errorf("media: truncated frame: want %d payload bytes, have %d", payloadLen, len(rest))
	}
	payload := rest[:payloadLen]
	meta := rest[payloadLen:]

	switch tag {
	case tagAudio:
		return decodeAudio(payload, meta)
	case tagVideo:
		return decodeVideo(payload, meta)
	case tagText:
		return NewText(string(payload)), nil
	case tagJSON:
		var v any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return Packet{}, fmt.Errorf("media: decoding json payload: %w", err)
			}
		}
		return NewJSON(v), nil
	case tagBinary:
		return NewBinary(append([]byte(nil), payload...)), nil
	case tagControl:
		return decodeControl(payload, meta)
	default:
		return Packet{}, fmt.Errorf("media: unknown frame tag %d", tag)
	}
}

func header(tag byte, payloadLen int) []byte {
	h := make([]byte, 5)
	h[0] = tag
	order.PutUint32(h[1:5], uint32(payloadLen))
	return h
}

func encodeSimple(tag byte, payload []byte) []byte {
	f := header(tag, len(payload))
	return append(f, payload...)
}

// encodeAudio: metadata is 4 bytes sample_rate_hz + 2 bytes channels.
func encodeAudio(a *Audio) []byte {
	payload := make([]byte, len(a.Samples)*4)
	for i, s := range a.Samples {
		order.PutUint32(payload[i*4:], math.Float32bits(s))
	}
	f := header(tagAudio, len(payload))
	f = append(f, payload...)
	meta := make([]byte, 6)
	order.PutUint32(meta[0:4], a.SampleRateHz)
	order.PutUint16(meta[4:6], a.Channels)
	return append(f, meta...)
}

func decodeAudio(payload, meta []byte) (Packet, error) {
	if len(meta) < 6 {
		return Packet{}, fmt.Errorf("media: audio frame metadata too short")
	}
	if len(payload)%4 != 0 {
		return Packet{}, fmt.Errorf("media: audio payload not a multiple of 4 bytes")
	}
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(order.Uint32(payload[i*4:]))
	}
	sampleRate := order.Uint32(meta[0:4])
	channels := order.Uint16(meta[4:6])
	return NewAudio(samples, sampleRate, channels), nil
}

// encodeVideo: metadata is 4 bytes width + 4 bytes height + 1 byte pixel format.
func encodeVideo(v *Video) []byte {
	f := header(tagVideo, len(v.Pixels))
	f = append(f, v.Pixels...)
	meta := make([]byte, 9)
	order.PutUint32(meta[0:4], v.Width)
	order.PutUint32(meta[4:8], v.Height)
	meta[8] = pixelFormatCode(v.PixelFormat)
	return append(f, meta...)
}

func decodeVideo(payload, meta []byte) (Packet, error) {
	if len(meta) < 9 {
		return Packet{}, fmt.Errorf("media: video frame metadata too short")
	}
	width := order.Uint32(meta[0:4])
	height := order.Uint32(meta[4:8])
	format := pixelFormatFromCode(meta[8])
	return NewVideo(append([]byte(nil), payload...), width, height, format), nil
}

// encodeControl: metadata is 1 byte kind code + 2 bytes segment id length +
// segment id bytes + 8 bytes timestamp_ms + json-encoded metadata map.
func encodeControl(c *Control) []byte {
	metaJSON, _ := json.Marshal(c.Metadata)
	f := header(tagControl, 0)

	meta := make([]byte, 0, 11+len(c.SegmentID)+len(metaJSON))
	meta = append(meta, controlKindCode(c.Kind))
	segLen := make([]byte, 2)
	order.PutUint16(segLen, uint16(len(c.SegmentID)))
	meta = append(meta, segLen...)
	meta = append(meta, []byte(c.SegmentID)...)
	ts := make([]byte, 8)
	order.PutUint64(ts, uint64(c.TimestampMs))
	meta = append(meta, ts...)
	meta = append(meta, metaJSON...)

	return append(f, meta...)
}

func decodeControl(_ []byte, meta []byte) (Packet, error) {
	if len(meta) < 11 {
		return Packet{}, fmt.Errorf("media: control frame metadata too short")
	}
	kind := controlKindFromCode(meta[0])
	segLen := int(order.Uint16(meta[1:3]))
	if len(meta) < 11+segLen {
		return Packet{}, fmt.Errorf("media: control frame segment id truncated")
	}
	segID := string(meta[3 : 3+segLen])
	ts := int64(order.Uint64(meta[3+segLen : 11+segLen]))
	var m map[string]any
	if rest := meta[11+segLen:]; len(rest) > 0 {
		if err := json.Unmarshal(rest, &m); err != nil {
			return Packet{}, fmt.Errorf("media: decoding control metadata: %w", err)
		}
	}
	return NewControl(kind, segID, ts, m), nil
}

func pixelFormatCode(f PixelFormat) byte {
	switch f {
	case PixelFormatRGB24:
		return 1
	case PixelFormatRGBA:
		return 2
	case PixelFormatYUV420P:
		return 3
	case PixelFormatNV12:
		return 4
	default:
		return 0
	}
}

func pixelFormatFromCode(b byte) PixelFormat {
	switch b {
	case 1:
		return PixelFormatRGB24
	case 2:
		return PixelFormatRGBA
	case 3:
		return PixelFormatYUV420P
	case 4:
		return PixelFormatNV12
	default:
		return PixelFormatUnknown
	}
}

func controlKindCode(k ControlKind) byte {
	switch k {
	case ControlCancelSpeculation:
		return 1
	case ControlFlushBuffer:
		return 2
	case ControlUpdatePolicy:
		return 3
	default:
		return 0
	}
}

func controlKindFromCode(b byte) ControlKind {
	switch b {
	case 1:
		return ControlCancelSpeculation
	case 2:
		return ControlFlushBuffer
	case 3:
		return ControlUpdatePolicy
	default:
		return ""
	}
}
