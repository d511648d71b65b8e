// Package breaker implements the per-endpoint circuit breaker described
// in §4.4: three states (CLOSED, OPEN, HALF_OPEN), a consecutive-failure
// threshold, and a reset timeout that admits a single HALF_OPEN probe.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Canonical constants per §9's design note: the source had these
// duplicated (3/60s in one place, different elsewhere); this spec fixes
// 3 consecutive failures / 30s reset as canonical.
const (
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
)

// Breaker guards a single URL. Zero value is not usable; use New.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	resetTimeout     time.Duration

	state            State
	consecutiveFails int
	lastFailure      time.Time
	probeInFlight    bool
}

// New creates a Breaker with the canonical threshold/timeout.
func New() *Breaker {
	return NewWithConfig(DefaultFailureThreshold, DefaultResetTimeout)
}

// NewWithConfig creates a Breaker with explicit parameters. Registry
// always uses New's defaults.
func NewWithConfig(failureThreshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            Closed,
	}
}

// ShouldAllow reports whether a request may be forwarded right now. When
// OPEN and the reset timeout has elapsed, it transitions to HALF_OPEN and
// admits exactly one in-flight probe; further calls during that probe are
// rejected until Record resolves it.
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	case Open:
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.state = HalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	}
	return false
}

// Record reports the outcome of a forwarded request (or probe).
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		if ok {
			b.state = Closed
			b.consecutiveFails = 0
		} else {
			b.state = Open
			b.lastFailure = time.Now()
		}
	case Closed:
		if ok {
			b.consecutiveFails = 0
			return
		}
		b.consecutiveFails++
		b.lastFailure = time.Now()
		if b.consecutiveFails >= b.failureThreshold {
			b.state = Open
		}
	case Open:
		// A result arriving while OPEN (e.g. a straggler from before the
		// trip) does not change state; ShouldAllow is the sole gate.
		if !ok {
			b.lastFailure = time.Now()
		}
	}
}

// Snapshot returns the current state without mutating it.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry owns one Breaker per endpoint URL, created lazily.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for url, creating one with canonical defaults
// on first access.
func (r *Registry) Get(url string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[url]
	if !ok {
		b = New()
		r.breakers[url] = b
	}
	return b
}
