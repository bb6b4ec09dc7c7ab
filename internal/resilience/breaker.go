// Package resilience provides failure isolation for remote venue calls:
// a per-account circuit breaker and an exponential backoff retryer.
package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState represents the current state of a circuit breaker
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for a circuit breaker
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	RecoveryTimeout  time.Duration // Time after the last failure before probing again
	SuccessThreshold int           // Consecutive probe successes needed to close
	Name             string        // Name for logging (venue:account)
}

// OpenError is returned when the breaker rejects a call without executing
// it. Remaining is the cooldown left before a probe will be allowed.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: next probe in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// Retryable reports that waiting out the cooldown, not retrying, is the
// only way forward.
func (e *OpenError) Retryable() bool { return false }

// Breaker implements the circuit breaker pattern for one venue-account.
// All state transitions are serialized behind a single mutex so that
// concurrent probes cannot race each other.
//
// The breaker does not classify errors itself. Callers record outcomes
// through RecordSuccess/RecordFailure; errors that should not count
// (authorization failures) are simply never recorded.
type Breaker struct {
	mu             sync.Mutex
	cfg            BreakerConfig
	state          BreakerState
	failures       int
	successes      int
	lastFailure    time.Time
	lastTransition time.Time
	log            zerolog.Logger
}

// NewBreaker creates a circuit breaker in the CLOSED state
func NewBreaker(cfg BreakerConfig, log zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}

	return &Breaker{
		cfg:            cfg,
		state:          StateClosed,
		lastTransition: time.Now(),
		log:            log.With().Str("breaker", cfg.Name).Logger(),
	}
}

// Allow reports whether a call may proceed. While OPEN it returns an
// *OpenError carrying the remaining cooldown; once the recovery timeout
// has elapsed the breaker transitions to HALF_OPEN and lets the call
// through as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := time.Since(b.lastFailure)
		if elapsed >= b.cfg.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			return nil
		}
		return &OpenError{Name: b.cfg.Name, Remaining: b.cfg.RecoveryTimeout - elapsed}
	default:
		return &OpenError{Name: b.cfg.Name}
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.successes = 0
		}
	}
}

// RecordFailure records a failed call. In CLOSED, reaching the failure
// threshold opens the circuit; in HALF_OPEN a single failure reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// setState changes state and logs the transition. Callers must hold the mutex.
func (b *Breaker) setState(state BreakerState) {
	if b.state == state {
		return
	}

	old := b.state
	b.state = state
	b.lastTransition = time.Now()

	evt := b.log.Info()
	if state == StateOpen {
		evt = b.log.Warn()
	}
	evt.
		Str("from", old.String()).
		Str("to", state.String()).
		Int("failures", b.failures).
		Msg("circuit breaker state changed")
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one breaker, for monitoring
type Snapshot struct {
	LastFailure     time.Time `json:"last_failure"`
	LastTransition  time.Time `json:"last_transition"`
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	CooldownSeconds float64   `json:"cooldown_seconds"`
}

// Snapshot returns the breaker's current state for monitoring
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cooldown float64
	if b.state == StateOpen {
		if remaining := b.cfg.RecoveryTimeout - time.Since(b.lastFailure); remaining > 0 {
			cooldown = remaining.Seconds()
		}
	}

	return Snapshot{
		Name:            b.cfg.Name,
		State:           b.state.String(),
		Failures:        b.failures,
		Successes:       b.successes,
		LastFailure:     b.lastFailure,
		LastTransition:  b.lastTransition,
		CooldownSeconds: cooldown,
	}
}

// Registry owns one breaker per venue-account, created on first use.
// A failing venue never throttles healthy ones because each account's
// breaker is independent.
type Registry struct {
	mu       sync.Mutex
	defaults BreakerConfig
	breakers map[string]*Breaker
	log      zerolog.Logger
}

// NewRegistry creates a breaker registry with shared default settings
func NewRegistry(defaults BreakerConfig, log zerolog.Logger) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
		log:      log,
	}
}

// For returns the breaker for the given venue-account, creating it on
// first use. Breaker state is never persisted; restarts begin CLOSED.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.defaults
	cfg.Name = name
	b := NewBreaker(cfg, r.log)
	r.breakers[name] = b
	return b
}

// Snapshots returns a snapshot of every registered breaker, sorted by name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})

	return snapshots
}
