// Package breaker implements the three-state failure detector shared by
// all send attempts against one sink target. While open, calls fail fast
// with ErrCircuitOpen; after the open timeout a bounded number of probes is
// let through, and a probe failure doubles the timeout up to a ceiling.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Settings parameterises a Breaker. Zero fields take the defaults.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker. Default 5.
	FailureThreshold int
	// OpenTimeout is the initial cooling period. Default 60s.
	OpenTimeout time.Duration
	// MaxOpenTimeout caps the doubling. Default 10m.
	MaxOpenTimeout time.Duration
	// HalfOpenProbes is the number of trial calls admitted while
	// half-open. Default 1.
	HalfOpenProbes int
	// OnStateChange, when set, is invoked outside the breaker lock after
	// every transition.
	OnStateChange func(from, to State)
	// Clock replaces time.Now, for tests.
	Clock func() time.Time
}

func (s *Settings) withDefaults() {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 60 * time.Second
	}
	if s.MaxOpenTimeout <= 0 {
		s.MaxOpenTimeout = 10 * time.Minute
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 1
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	settings Settings

	state        State
	failures     int           // consecutive failures while closed
	openedAt     time.Time     // when the breaker last opened
	openTimeout  time.Duration // current cooling period, doubles on half-open failure
	probesInUse  int           // probes admitted while half-open
	probeResults int           // successful probes while half-open

	// pending holds state-change notifications collected under the lock
	// and fired by the public entry points after release.
	pending []func()
}

// New creates a closed Breaker.
func New(settings Settings) *Breaker {
	settings.withDefaults()
	return &Breaker{
		settings:    settings,
		state:       Closed,
		openTimeout: settings.OpenTimeout,
	}
}

// State returns the current state, accounting for open-timeout expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	b.refresh()
	state := b.state
	b.mu.Unlock()
	b.fire()
	return state
}

// Allow reports whether a call may proceed. In half-open state at most
// HalfOpenProbes concurrent callers are admitted; everyone else receives
// ErrCircuitOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	b.refresh()

	var err error
	switch b.state {
	case Closed:
	case HalfOpen:
		if b.probesInUse < b.settings.HalfOpenProbes {
			b.probesInUse++
		} else {
			err = ErrCircuitOpen
		}
	default:
		err = ErrCircuitOpen
	}
	b.mu.Unlock()
	b.fire()
	return err
}

// Success records a successful call. A successful probe closes the breaker
// and resets the cooling period to its initial value.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.refresh()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.probeResults++
		if b.probeResults >= b.settings.HalfOpenProbes {
			b.transition(Closed)
			b.failures = 0
			b.openTimeout = b.settings.OpenTimeout
		}
	}
	b.mu.Unlock()
	b.fire()
}

// Failure records a failed call. Reaching the threshold while closed opens
// the breaker; a half-open probe failure re-opens it with a doubled
// timeout, capped at MaxOpenTimeout.
func (b *Breaker) Failure() {
	b.mu.Lock()
	b.refresh()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.open(b.openTimeout)
		}
	case HalfOpen:
		next := b.openTimeout * 2
		if next > b.settings.MaxOpenTimeout {
			next = b.settings.MaxOpenTimeout
		}
		b.open(next)
	}
	b.mu.Unlock()
	b.fire()
}

// refresh moves an expired open state to half-open. Callers hold the lock.
func (b *Breaker) refresh() {
	if b.state == Open && b.settings.Clock().Sub(b.openedAt) >= b.openTimeout {
		b.transition(HalfOpen)
		b.probesInUse = 0
		b.probeResults = 0
	}
}

// open trips the breaker with the given cooling period. Callers hold the
// lock.
func (b *Breaker) open(timeout time.Duration) {
	b.openTimeout = timeout
	b.openedAt = b.settings.Clock()
	b.failures = 0
	b.transition(Open)
}

// transition switches state and queues the state-change hook. Callers hold
// the lock.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if hook := b.settings.OnStateChange; hook != nil {
		b.pending = append(b.pending, func() { hook(from, to) })
	}
}

// fire runs queued state-change hooks outside the lock.
func (b *Breaker) fire() {
	b.mu.Lock()
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}
