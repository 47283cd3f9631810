package shm

import (
	"fmt"
	"sync"
)

// Registry dedupes channels by name within a bus directory (spec
// §4.H), shaped after internal/relay/daemon_registry.go's
// sync.RWMutex-guarded map-by-name, generalized from "daemon by id" to
// "shared-memory channel by name."
type Registry struct {
	mu           sync.Mutex
	dir          string
	busSize      int
	backpressure bool
	channels     map[string]*Channel
	refcount     map[string]int
}

// NewRegistry creates a registry rooted at busDir; each channel gets a
// ring of busSize bytes for message payloads and the given default
// backpressure policy (spec §4.H Channel.backpressure).
func NewRegistry(busDir string, busSize int, backpressure bool) *Registry {
	return &Registry{
		dir:          busDir,
		busSize:      busSize,
		backpressure: backpressure,
		channels:     make(map[string]*Channel),
		refcount:     make(map[string]int),
	}
}

// InputChannelName, OutputChannelName, and ControlChannelName implement
// spec §4.H's naming scheme for node X in session S.
func InputChannelName(sessionID, nodeID string) string { return sessionID + "_" + nodeID + "_input" }
func OutputChannelName(sessionID, nodeID string) string {
	return sessionID + "_" + nodeID + "_output"
}
func ControlChannelName(sessionID, nodeID string) string {
	return "control/" + sessionID + "_" + nodeID
}

// Acquire returns the named channel, creating it if this is the first
// caller, and increments its refcount.
func (r *Registry) Acquire(name string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[name]; ok {
		r.refcount[name]++
		return ch, nil
	}

	ch, err := create(r.dir, name, r.busSize, r.backpressure)
	if err != nil {
		return nil, fmt.Errorf("shm: acquire %q: %w", name, err)
	}
	r.channels[name] = ch
	r.refcount[name] = 1
	return ch, nil
}

// Publisher returns the publisher handle for the named channel,
// acquiring it first if necessary.
func (r *Registry) Publisher(name string) (*Publisher, error) {
	ch, err := r.Acquire(name)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Subscriber returns the subscriber handle for the named channel,
// acquiring it first if necessary.
func (r *Registry) Subscriber(name string) (*Subscriber, error) {
	ch, err := r.Acquire(name)
	if err != nil {
		return nil, err
	}
	return &Subscriber{ch: ch}, nil
}

// Release decrements the named channel's refcount, destroying it once
// the last owner has released it (spec §4.H).
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.refcount[name]
	if !ok {
		return nil
	}
	n--
	if n > 0 {
		r.refcount[name] = n
		return nil
	}

	ch := r.channels[name]
	delete(r.channels, name)
	delete(r.refcount, name)
	return ch.destroy()
}

// ReleaseAll tears down every channel this registry owns, used on
// session/node-host teardown (spec §4.G cleanup step 4).
func (r *Registry) ReleaseAll() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.Unlock()

	var firstErr error
	for _, name := range names {
		r.mu.Lock()
		r.refcount[name] = 1 // force destruction regardless of outstanding acquires
		r.mu.Unlock()
		if err := r.Release(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
