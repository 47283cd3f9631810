// Package nodecache implements the process-wide, TTL-bounded
// memoization of initialized node instances keyed by (type,
// config-hash), reused across sessions (spec §4.E).
package nodecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/mediarunner/pipelined/internal/node"
)

// Key identifies a cache slot: hash(node_type, stable_canonical_json(params)).
type Key string

// NewKey canonicalizes params (encoding/json sorts object keys on
// Marshal, so Unmarshal-then-Marshal is enough to normalize key
// order) and hashes it together with the node type.
func NewKey(nodeType string, params json.RawMessage) (Key, error) {
	canonical := []byte("null")
	if len(params) > 0 {
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return "", fmt.Errorf("nodecache: params is not valid json: %w", err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		canonical = b
	}

	h := sha256.New()
	h.Write([]byte(nodeType))
	h.Write([]byte{0})
	h.Write(canonical)
	return Key(nodeType + ":" + hex.EncodeToString(h.Sum(nil))), nil
}

// entry is a CachedNode (spec §3): instance, config hash, last-used
// time, and a session refcount gating TTL eviction's actual teardown.
type entry struct {
	instance node.Node
	nodeType string
	lastUsed atomic.Int64 // unix nanos
	refcount atomic.Int32
}

func (e *entry) touch() { e.lastUsed.Store(time.Now().UnixNano()) }

// Cache is the global node-instance memoization layer. All mutation is
// serialized under a single exclusive writer (read-mostly lock, spec
// §5); concurrent get_or_create for the same key singleflights onto
// one instantiation.
type Cache struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[Key]*entry

	ttl             time.Duration
	cleanupInterval time.Duration
	group           singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	sweeper *cron.Cron
}

// New creates a cache with the given TTL and sweeper interval
// (defaults: 600s TTL, 60s sweep, spec §4.E).
func New(logger *slog.Logger, ttl, cleanupInterval time.Duration) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	return &Cache{
		logger:          logger,
		entries:         make(map[Key]*entry),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
	}
}

// Factory constructs a fresh node and initializes it; passed by the
// caller so the cache stays decoupled from the node registry.
type Factory func() (node.Node, error)

// GetOrCreate returns the cached instance for key, instantiating and
// initializing it on miss. initialize() failures propagate and do not
// poison the cache (spec §4.E). The returned release func must be
// called when the caller (a session) is done with the handle.
func (c *Cache) GetOrCreate(ctx context.Context, key Key, nodeType string, factory Factory) (node.Node, func(), error) {
	c.mu.RLock()
	if e, ok := c.entries[key]; ok {
		e.touch()
		e.refcount.Add(1)
		c.mu.RUnlock()
		c.hits.Add(1)
		return e.instance, c.releaseFunc(e), nil
	}
	c.mu.RUnlock()

	c.misses.Add(1)

	v, err, _ := c.group.Do(string(key), func() (any, error) {
		// Re-check under the group: another goroutine may have won the
		// race and inserted while we were queued behind the singleflight.
		c.mu.RLock()
		if e, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return e, nil
		}
		c.mu.RUnlock()

		inst, err := factory()
		if err != nil {
			return nil, err
		}
		if err := inst.Initialize(ctx); err != nil {
			return nil, err
		}

		e := &entry{instance: inst, nodeType: nodeType}
		e.touch()

		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()

		c.logger.Debug("node cache miss, instance created",
			slog.String("node_type", nodeType), slog.String("key", string(key)))
		return e, nil
	})
	if err != nil {
		return nil, nil, err
	}

	e := v.(*entry)
	e.touch()
	e.refcount.Add(1)
	return e.instance, c.releaseFunc(e), nil
}

func (c *Cache) releaseFunc(e *entry) func() {
	return func() {
		if n := e.refcount.Add(-1); n < 0 {
			e.refcount.Store(0)
		}
	}
}

// Len is the cached_nodes gauge (spec §4.J).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// HitsMisses returns the cumulative hit/miss counters.
func (c *Cache) HitsMisses() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Start launches the background sweeper (spec §4.E: every 60s by
// default, entries whose last_used age exceeds TTL are removed unless
// a session still holds a strong reference). ctx is observed once at
// entry only, to decide whether to start at all; cancellation tears
// the sweeper down via Stop, not ctx.Done(), matching cron's own
// lifecycle (Start/Stop, no context threading).
func (c *Cache) Start(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.sweeper = cron.New()
	spec := fmt.Sprintf("@every %s", c.cleanupInterval)
	if _, err := c.sweeper.AddFunc(spec, c.sweep); err != nil {
		c.logger.Error("nodecache: failed to schedule sweeper", slog.Any("error", err))
		return
	}
	c.sweeper.Start()
}

// Stop halts the sweeper and waits for any in-flight sweep to finish.
func (c *Cache) Stop() {
	if c.sweeper == nil {
		return
	}
	<-c.sweeper.Stop().Done()
}

func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.ttl).UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.refcount.Load() > 0 {
			continue
		}
		if e.lastUsed.Load() <= cutoff {
			delete(c.entries, key)
			c.logger.Debug("node cache entry evicted",
				slog.String("node_type", e.nodeType), slog.String("key", string(key)))
		}
	}
}
