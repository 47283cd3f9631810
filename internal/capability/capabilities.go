package capability

import (
	"fmt"

	"github.com/mediarunner/pipelined/internal/media"
)

// AudioConstraints is the per-port audio constraint set (spec §3).
type AudioConstraints struct {
	SampleRate Constraint[uint32]
	Channels   Constraint[uint16]
	Format     Constraint[string]
}

// VideoConstraints is the per-port video constraint set (spec §3).
type VideoConstraints struct {
	Width       Constraint[uint32]
	Height      Constraint[uint32]
	PixelFormat Constraint[string]
	FPS         Constraint[float64]
}

// MediaConstraints is the per-port constraint declaration; it applies
// to exactly one media.Kind (Audio or Video are the only variants with
// negotiable dimensions; other kinds have no constrainable dimensions
// and are always compatible).
type MediaConstraints struct {
	Kind  media.Kind
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Dimensions lists the (name, compatible, reason) triples between this
// constraint set acting as upstream output and downstream input. Used
// both by the forward/reverse resolver passes and directly by tests.
func Dimensions(upstream, downstream *MediaConstraints) (compatible bool, failDimension, reason string) {
	if upstream == nil || downstream == nil {
		return true, "", ""
	}
	if upstream.Kind != downstream.Kind {
		return false, "kind", fmt.Sprintf("upstream produces %q, downstream expects %q", upstream.Kind, downstream.Kind)
	}

	switch upstream.Kind {
	case media.KindAudio:
		if upstream.Audio == nil || downstream.Audio == nil {
			return true, "", ""
		}
		if ok, reason := Compatible(upstream.Audio.SampleRate, downstream.Audio.SampleRate); !ok {
			return false, "sample_rate", reason
		}
		if ok, reason := Compatible(upstream.Audio.Channels, downstream.Audio.Channels); !ok {
			return false, "channels", reason
		}
		if ok, reason := Compatible(upstream.Audio.Format, downstream.Audio.Format); !ok {
			return false, "format", reason
		}
		return true, "", ""

	case media.KindVideo:
		if upstream.Video == nil || downstream.Video == nil {
			return true, "", ""
		}
		if ok, reason := Compatible(upstream.Video.Width, downstream.Video.Width); !ok {
			return false, "width", reason
		}
		if ok, reason := Compatible(upstream.Video.Height, downstream.Video.Height); !ok {
			return false, "height", reason
		}
		if ok, reason := Compatible(upstream.Video.PixelFormat, downstream.Video.PixelFormat); !ok {
			return false, "pixel_format", reason
		}
		if ok, reason := Compatible(upstream.Video.FPS, downstream.Video.FPS); !ok {
			return false, "fps", reason
		}
		return true, "", ""

	default:
		return true, "", ""
	}
}

// NarrowMedia folds a second downstream consumer's requirement into an
// already-narrowed constraint set (reverse pass, spec §4.C). Both
// arguments must share Kind.
func NarrowMedia(a, b *MediaConstraints) (*MediaConstraints, bool) {
	if a == nil {
		return b, true
	}
	if b == nil {
		return a, true
	}
	if a.Kind != b.Kind {
		return nil, false
	}

	switch a.Kind {
	case media.KindAudio:
		sr, ok := Narrow(a.Audio.SampleRate, b.Audio.SampleRate)
		if !ok {
			return nil, false
		}
		ch, ok := Narrow(a.Audio.Channels, b.Audio.Channels)
		if !ok {
			return nil, false
		}
		fmtC, ok := Narrow(a.Audio.Format, b.Audio.Format)
		if !ok {
			return nil, false
		}
		return &MediaConstraints{Kind: media.KindAudio, Audio: &AudioConstraints{SampleRate: sr, Channels: ch, Format: fmtC}}, true

	case media.KindVideo:
		w, ok := Narrow(a.Video.Width, b.Video.Width)
		if !ok {
			return nil, false
		}
		h, ok := Narrow(a.Video.Height, b.Video.Height)
		if !ok {
			return nil, false
		}
		pf, ok := Narrow(a.Video.PixelFormat, b.Video.PixelFormat)
		if !ok {
			return nil, false
		}
		fps, ok := Narrow(a.Video.FPS, b.Video.FPS)
		if !ok {
			return nil, false
		}
		return &MediaConstraints{Kind: media.KindVideo, Video: &VideoConstraints{Width: w, Height: h, PixelFormat: pf, FPS: fps}}, true

	default:
		return a, true
	}
}

// Behavior is the CapabilityBehavior of spec §4.C.
type Behavior string

const (
	BehaviorStatic            Behavior = "Static"
	BehaviorConfigured        Behavior = "Configured"
	BehaviorPassthrough       Behavior = "Passthrough"
	BehaviorAdaptive          Behavior = "Adaptive"
	BehaviorRuntimeDiscovered Behavior = "RuntimeDiscovered"
)

// NodeCapabilities is a node's declared per-port constraints (spec §3).
type NodeCapabilities struct {
	Input  *MediaConstraints
	Output *MediaConstraints
}

// Source explains how a side of ResolvedCapabilities was fixed (spec §3).
type Source string

const (
	SourceStatic     Source = "Static"
	SourceConfigured Source = "Configured"
	SourceNegotiated Source = "Negotiated"
	SourceInherited  Source = "Inherited"
	SourceDiscovered Source = "Discovered"
)

// Resolved is the final concrete per-node capability outcome (spec §3).
type Resolved struct {
	Input        *MediaConstraints
	Output       *MediaConstraints
	InputSource  Source
	OutputSource Source
}

// Context is the resolver's read-only output, exposed to the router
// and the node-introspection API (spec §4.C: "ResolutionContext").
type Context struct {
	byNode map[string]*Resolved
}

// Get returns the resolved capabilities for a node id.
func (c *Context) Get(nodeID string) (*Resolved, bool) {
	r, ok := c.byNode[nodeID]
	return r, ok
}

// All returns every node's resolved capabilities.
func (c *Context) All() map[string]*Resolved {
	return c.byNode
}
