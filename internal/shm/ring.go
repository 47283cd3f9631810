package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ringHeader is the first 16 bytes of every mapped segment: two
// monotonically increasing byte counters (mod capacity) used as a
// classic single-producer/single-consumer ring buffer cursor pair.
// Both are accessed exclusively via sync/atomic so the publisher and
// subscriber — which may be different threads or processes sharing the
// same mapping — never need a lock (spec §4.H: "single-producer/
// single-consumer per named channel").
type ringHeader struct {
	writeOffset uint64
	readOffset  uint64
}

const ringHeaderSize = int(unsafe.Sizeof(ringHeader{}))

// ring is the shared-memory-backed byte ring living inside one mmap'd
// segment: ringHeaderSize bytes of header followed by `capacity` bytes
// of message data.
type ring struct {
	mem      []byte
	header   *ringHeader
	data     []byte
	capacity uint64
}

func mapRing(mem []byte) (*ring, error) {
	if len(mem) <= ringHeaderSize {
		return nil, fmt.Errorf("shm: segment too small (%d bytes)", len(mem))
	}
	return &ring{
		mem:      mem,
		header:   (*ringHeader)(unsafe.Pointer(&mem[0])),
		data:     mem[ringHeaderSize:],
		capacity: uint64(len(mem) - ringHeaderSize),
	}, nil
}

func (r *ring) writeOffset() uint64 { return atomic.LoadUint64(&r.header.writeOffset) }
func (r *ring) readOffset() uint64  { return atomic.LoadUint64(&r.header.readOffset) }

// used returns the number of unread bytes currently in the ring.
func (r *ring) used() uint64 { return r.writeOffset() - r.readOffset() }

// free returns the number of bytes available to write before catching
// up to the reader.
func (r *ring) free() uint64 { return r.capacity - r.used() }

// pushFrame writes a length-prefixed frame, wrapping at capacity. It
// returns false (no error) if there isn't enough free space — the
// caller (Publisher) applies the channel's backpressure policy.
func (r *ring) pushFrame(frame []byte) bool {
	need := uint64(4 + len(frame))
	if need > r.capacity {
		return false // frame larger than the whole ring: never fits
	}
	if r.free() < need {
		return false
	}

	var lenBuf [4]byte
	order.PutUint32(lenBuf[:], uint32(len(frame)))
	r.writeRaw(lenBuf[:], 0)
	r.writeRaw(frame, 4)

	atomic.AddUint64(&r.header.writeOffset, need)
	return true
}

// writeRaw copies b into the ring starting skip bytes past the current
// write offset; the offset itself is only advanced by pushFrame.
func (r *ring) writeRaw(b []byte, skip uint64) {
	off := (r.writeOffset() + skip) % r.capacity
	n := copy(r.data[off:], b)
	if n < len(b) {
		copy(r.data, b[n:]) // wrap around
	}
}

// popFrame returns the next length-prefixed frame, or ok=false if the
// ring is empty (spec §4.H "receive() returns None when empty").
func (r *ring) popFrame() (frame []byte, ok bool) {
	if r.used() < 4 {
		return nil, false
	}

	var lenBuf [4]byte
	r.readRaw(lenBuf[:], 0)
	flen := order.Uint32(lenBuf[:])

	if r.used() < uint64(4+flen) {
		return nil, false // producer hasn't finished this frame's body yet
	}

	out := make([]byte, flen)
	r.readRaw(out, 4)

	atomic.AddUint64(&r.header.readOffset, uint64(4+flen))
	return out, true
}

func (r *ring) readRaw(dst []byte, skip uint64) {
	off := (r.readOffset() + skip) % r.capacity
	n := copy(dst, r.data[off:])
	if n < len(dst) {
		copy(dst[n:], r.data[:len(dst)-n])
	}
}

// mmapFile creates (or truncates) path to exactly size bytes and maps
// it shared, returning the mapping. Used for the named shared-memory
// segments backing each channel (spec §4.H); on Linux these typically
// live under a tmpfs-backed bus directory for true zero-copy sharing
// between the host process and a spawned worker.
func mmapFile(path string, size int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("shm: ftruncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return mem, nil
}

func munmapFile(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
