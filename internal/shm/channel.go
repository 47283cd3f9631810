// Package shm implements the zero-copy shared-memory transport used to
// talk to subprocess/container nodes (spec §4.H): named publisher and
// subscriber handles over an mmap'd ring buffer, plus a registry that
// dedupes channels by name. It is deliberately not a general-purpose
// message bus — each named channel has exactly one publisher and one
// subscriber for its lifetime.
package shm

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mediarunner/pipelined/internal/media"
)

var order = binary.LittleEndian

// Channel describes one named shared-memory segment (spec §4.H).
type Channel struct {
	Name         string
	Capacity     int // message bytes available to the ring, not counting the header
	Backpressure bool

	path string
	mem  []byte
	ring *ring
}

// create maps a fresh segment at dir/name.shm sized capacity bytes
// plus the ring header.
func create(dir, name string, capacity int, backpressure bool) (*Channel, error) {
	path := filepath.Join(dir, name+".shm")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("shm: create bus dir: %w", err)
	}

	mem, err := mmapFile(path, ringHeaderSize+capacity)
	if err != nil {
		return nil, err
	}
	r, err := mapRing(mem)
	if err != nil {
		_ = munmapFile(mem)
		return nil, err
	}

	return &Channel{Name: name, Capacity: capacity, Backpressure: backpressure, path: path, mem: mem, ring: r}, nil
}

// destroy unmaps and removes the backing file (spec §4.H "destroyed
// when their last owner releases them").
func (c *Channel) destroy() error {
	if err := munmapFile(c.mem); err != nil {
		return err
	}
	return os.Remove(c.path)
}

// Publisher is the write-side handle on a Channel.
type Publisher struct {
	ch *Channel
}

// Publish serializes pkt via internal/media's wire frame codec and
// writes it to the ring. It returns false (no error) if the ring is
// full and the channel's backpressure policy is non-blocking — callers
// that want blocking semantics should retry with backoff.
func (p *Publisher) Publish(pkt media.Packet) (bool, error) {
	frame, err := media.Encode(pkt)
	if err != nil {
		return false, err
	}
	return p.ch.ring.pushFrame(frame), nil
}

// PublishBlocking publishes pkt, retrying with a short backoff while
// the ring is full, as long as the channel's Backpressure flag is set
// (spec §4.H Channel.backpressure). With Backpressure off it behaves
// exactly like Publish: a full ring drops the message immediately.
func (p *Publisher) PublishBlocking(ctx context.Context, pkt media.Packet) (bool, error) {
	ok, err := p.Publish(pkt)
	if err != nil || ok || !p.ch.Backpressure {
		return ok, err
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if ok, err := p.Publish(pkt); err != nil || ok {
				return ok, err
			}
		}
	}
}

// PublishRaw bypasses the media frame codec, used for the READY
// handshake's bare `READY` token (spec §4.H "receive_raw() bypasses
// framing").
func (p *Publisher) PublishRaw(b []byte) bool {
	return p.ch.ring.pushFrame(b)
}

// Subscriber is the read-side handle on a Channel.
type Subscriber struct {
	ch *Channel
}

// Receive returns the next packet, or ok=false when the ring is empty.
func (s *Subscriber) Receive() (pkt media.Packet, ok bool, err error) {
	frame, has := s.ch.ring.popFrame()
	if !has {
		return media.Packet{}, false, nil
	}
	pkt, err = media.Decode(frame)
	return pkt, true, err
}

// ReceiveRaw returns the next raw frame body unparsed, used by the
// READY handshake.
func (s *Subscriber) ReceiveRaw() ([]byte, bool) {
	return s.ch.ring.popFrame()
}

// PollUntil polls Receive every interval until a packet arrives or stop
// is closed — the dedicated IPC thread's "yield on empty" loop (spec
// §4.G) expressed as a helper rather than duplicated at each call site.
func (s *Subscriber) PollUntil(stop <-chan struct{}, interval time.Duration) (media.Packet, bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if pkt, ok, err := s.Receive(); ok && err == nil {
			return pkt, true
		}
		select {
		case <-stop:
			return media.Packet{}, false
		case <-ticker.C:
		}
	}
}
