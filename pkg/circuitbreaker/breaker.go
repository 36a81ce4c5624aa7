// Package circuitbreaker tracks consecutive request failures against a remote
// endpoint and temporarily stops traffic to it once a threshold is reached.
//
// States:
//   - Closed: healthy, requests allowed
//   - Open: failure threshold reached, requests blocked until the cooldown elapses
//   - HalfOpen: cooldown elapsed, a probe request is allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
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

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // time spent open before a probe is allowed (default: 30s)
}

// DefaultConfig returns the defaults used for worker instances and callback hosts.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breaker tracks the health of a single endpoint.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	lastFailure time.Time
	lastHealthy time.Time
	now         func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		state: Closed,
		now:   time.Now,
	}
}

// Allow reports whether a request should be attempted. An open breaker whose
// cooldown has elapsed moves to half-open and lets the caller probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.lastFailure) > b.cfg.Cooldown {
		b.state = HalfOpen
	}
	return b.state != Open
}

// Available is Allow without the state transition, for callers that only
// rank endpoints.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != Open || b.now().Sub(b.lastFailure) > b.cfg.Cooldown
}

// RecordSuccess marks the endpoint healthy and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = Closed
	b.lastHealthy = b.now()
}

// RecordFailure counts a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastHealthy returns when a request last succeeded (zero if never).
func (b *Breaker) LastHealthy() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHealthy
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}
