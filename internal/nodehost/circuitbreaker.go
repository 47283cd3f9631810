package nodehost

import (
	"errors"
	"sync"
	"time"
)

// circuitState is the state of a per-node-type spawn circuit breaker.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// errSpawnCircuitOpen is returned by Spawn when a node type has failed
// to spawn/become-ready too many times in a row; it fails fast instead
// of repeatedly dialing a binary or container image that keeps dying.
var errSpawnCircuitOpen = errors.New("nodehost: spawn circuit open for this node type")

// spawnCircuitBreaker guards repeated Spawn attempts for one node type.
type spawnCircuitBreaker struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration

	mu              sync.Mutex
	state           circuitState
	failures        int
	successes       int
	lastFailureTime time.Time
}

func newSpawnCircuitBreaker() *spawnCircuitBreaker {
	return &spawnCircuitBreaker{
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:       30 * time.Second,
		state:             circuitClosed,
	}
}

// allow reports whether a spawn attempt may proceed, advancing an
// open circuit to half-open once openTimeout has elapsed.
func (cb *spawnCircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen && time.Since(cb.lastFailureTime) >= cb.openTimeout {
		cb.state = circuitHalfOpen
		cb.successes = 0
	}
	return cb.state != circuitOpen
}

func (cb *spawnCircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		cb.failures = 0
	case circuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = circuitClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *spawnCircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	switch cb.state {
	case circuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = circuitOpen
			cb.failures = 0
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.successes = 0
	}
}

// spawnCircuitRegistry hands out one breaker per node type, created on
// first use.
type spawnCircuitRegistry struct {
	mu  sync.Mutex
	cbs map[string]*spawnCircuitBreaker
}

func newSpawnCircuitRegistry() *spawnCircuitRegistry {
	return &spawnCircuitRegistry{cbs: make(map[string]*spawnCircuitBreaker)}
}

func (r *spawnCircuitRegistry) get(nodeType string) *spawnCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.cbs[nodeType]
	if !ok {
		cb = newSpawnCircuitBreaker()
		r.cbs[nodeType] = cb
	}
	return cb
}
