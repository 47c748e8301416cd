// Package broker adapts Redis into the cache, rate-limit, and queue
// substrate, guarded by a circuit breaker so an unavailable broker degrades
// the pipeline instead of crashing it.
package broker

import (
	"sync"
	"time"

	"github.com/chatlas/ingest/internal/telemetry"
)

// BreakerState enumerates circuit breaker states.
type BreakerState int

// Breaker states.
const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int
	// InitialCooldown is the open duration after the first trip; it doubles
	// per consecutive trip up to MaxCooldown.
	InitialCooldown time.Duration
	MaxCooldown     time.Duration
}

// Breaker is a {closed, open, half-open} circuit breaker over broker calls.
// While open, calls are rejected immediately; after the cooldown one probe
// is let through (half-open) and its outcome decides the next state.
type Breaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	clock     func() time.Time
	state     BreakerState
	failures  int
	trips     int
	openUntil time.Time
	probing   bool
}

// NewBreaker builds a Breaker with sane defaults for zero-value config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.InitialCooldown <= 0 {
		cfg.InitialCooldown = 100 * time.Millisecond
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 2 * time.Second
	}
	return &Breaker{cfg: cfg, clock: time.Now}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().Before(b.openUntil) {
			return false
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true
	default: // half-open: a single probe is in flight
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trips = 0
	b.probing = false
	b.setState(StateClosed)
}

// Failure records a failed call, possibly tripping the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.clock().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) trip() {
	cooldown := b.cfg.InitialCooldown << b.trips
	if cooldown > b.cfg.MaxCooldown || cooldown <= 0 {
		cooldown = b.cfg.MaxCooldown
	}
	b.trips++
	b.failures = 0
	b.openUntil = b.clock().Add(cooldown)
	b.setState(StateOpen)
}

func (b *Breaker) setState(s BreakerState) {
	if b.state != s {
		b.state = s
		telemetry.SetBrokerState(int(s))
	}
}
