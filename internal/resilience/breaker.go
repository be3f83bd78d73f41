// Package resilience holds the circuit breaker that guards calls to the
// persistence backends.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the current state of a circuit breaker.
type State int

const (
	// Closed allows all calls through. Consecutive failures are counted.
	Closed State = iota
	// Open rejects all calls until the open timeout elapses.
	Open
	// HalfOpen lets one probe call through at a time.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker. Zero values take the defaults noted.
type Settings struct {
	// FailureThreshold consecutive failures trip Closed -> Open. Default 5.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes return HalfOpen -> Closed. Default 2.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays Open. Default 30s.
	OpenTimeout time.Duration
	// OnStateChange, if set, is called after every state change while the
	// breaker lock is held. It must not call back into the breaker.
	OnStateChange func(from, to State)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	settings  Settings
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
	now       func() time.Time
}

// New creates a closed Breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return &Breaker{settings: s, now: time.Now}
}

// Allow reports whether a call may proceed. Every nil return must be paired
// with exactly one Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireLocked()
	switch b.state {
	case Open:
		return ErrOpen
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

// Success records a call that reached the backend.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.setLocked(Closed)
		}
	}
}

// Failure records a call that failed because the backend was unavailable.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.setLocked(Open)
		}
	case HalfOpen:
		b.probing = false
		b.setLocked(Open)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.state
}

func (b *Breaker) expireLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.OpenTimeout {
		b.setLocked(HalfOpen)
	}
}

func (b *Breaker) setLocked(to State) {
	from := b.state
	b.state = to
	b.failures, b.successes, b.probing = 0, 0, false
	if to == Open {
		b.openedAt = b.now()
	}
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(from, to)
	}
}
