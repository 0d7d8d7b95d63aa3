// Package resilience guards outbound calls to extraction backends and LLM
// providers.
//
// [CircuitBreaker] stops murmur from calling a backend that keeps failing.
// [FallbackGroup] chains several backends of one type, each behind its own
// breaker, so the in-process extractor can answer while a remote is down.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] instead of running
// the call while the breaker is rejecting traffic.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the reset timeout has passed.
	StateOpen

	// StateHalfOpen admits a few probe calls. All of them must succeed for
	// the breaker to close; one failure opens it again.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and in OnStateChange.
	Name string

	// MaxFailures is how many consecutive failures open a closed breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes admitted while half-open. Default 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker is a closed, open and half-open breaker around one backend.
// It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, counted while closed
	until    time.Time // end of the open cool-down
	probes   int       // admitted in the current half-open round
	passed   int       // of which succeeded
}

// transition is a state change waiting to be reported.
type transition struct {
	from, to State
	failures int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker is open or the half-open probe budget
// is spent, in which case it returns [ErrCircuitOpen]. fn's error is
// returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, t, err := cb.admit()
	cb.report(t)
	if err != nil {
		return err
	}
	err = fn()
	cb.report(cb.settle(probe, cb.cfg.IsFailure(err)))
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, t *transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Before(cb.until) {
			return false, nil, ErrCircuitOpen
		}
		t = cb.moveTo(StateHalfOpen)
	}
	if cb.state != StateHalfOpen {
		return false, t, nil
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, t, ErrCircuitOpen
	}
	cb.probes++
	return true, t, nil
}

func (cb *CircuitBreaker) settle(probe, failed bool) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case probe && cb.state != StateHalfOpen:
		// A sibling probe already decided this round.
		return nil
	case probe && failed:
		return cb.moveTo(StateOpen)
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			return cb.moveTo(StateClosed)
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			return cb.moveTo(StateOpen)
		}
	default:
		cb.failures = 0
	}
	return nil
}

// moveTo must be called with cb.mu held. It returns nil when next is the
// current state.
func (cb *CircuitBreaker) moveTo(next State) *transition {
	prev := cb.state
	cb.state, cb.probes, cb.passed = next, 0, 0
	t := &transition{from: prev, to: next, failures: cb.failures}
	switch next {
	case StateOpen:
		cb.until = cb.cfg.Now().Add(cb.cfg.ResetTimeout)
	case StateClosed:
		cb.failures = 0
	}
	if prev == next {
		return nil
	}
	return t
}

func (cb *CircuitBreaker) report(t *transition) {
	if t == nil {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"breaker", cb.cfg.Name,
		"from", t.from.String(),
		"to", t.to.String(),
		"consecutive_failures", t.failures)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State reports the breaker's mode. An open breaker whose cool-down has
// passed reads as half-open; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.cfg.Now().Before(cb.until) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	t := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.report(t)
}
