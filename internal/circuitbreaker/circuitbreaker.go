// Package circuitbreaker tracks per-source fetch health. A source that fails
// repeatedly is skipped until a cool-down elapses, then probed; the breaker
// also reports recovery progress so callers can hold fields on a backup source
// until the primary has proven itself again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/policy"
)

// State represents the circuit breaker state.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates fetches from one source. It opens after repeated
// failures and lets probe fetches through in half-open state.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            State
	failureCount     int
	successCount     int
	streak           int
	streakStart      time.Time
	everFailed       bool
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	source           string
	now              func() time.Time
	onStateChange    func(source string, from, to State)
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(source string, from, to State)
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (cfg Config) withDefaults() Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// New creates a new CircuitBreaker for source with the given config.
func New(source string, cfg Config) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		source:           source,
		now:              cfg.Now,
		onStateChange:    cfg.OnStateChange,
	}
}

// Allow reports whether a fetch may be attempted now. An open breaker whose
// timeout has elapsed moves to half-open and allows the probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return true
	}
	if cb.now().Sub(cb.lastFailureTime) < cb.timeout {
		cb.mu.Unlock()
		return false
	}
	cb.state = StateHalfOpen
	cb.successCount = 0
	cb.mu.Unlock()
	cb.notify(StateOpen, StateHalfOpen)
	return true
}

// RecordSuccess records a successful fetch.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.streak++
	if cb.streak == 1 && cb.everFailed {
		cb.streakStart = cb.now()
	}
	cb.successCount++
	var from State
	changed := false
	if cb.state == StateHalfOpen && cb.successCount >= cb.successThreshold {
		from, changed = cb.state, true
		cb.state = StateClosed
		cb.successCount = 0
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure records a failed fetch and resets recovery progress.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.everFailed = true
	cb.streak = 0
	cb.streakStart = time.Time{}
	var from State
	changed := false
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failureCount >= cb.failureThreshold) {
		from, changed = cb.state, true
		cb.state = StateOpen
		cb.failureCount = 0
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateOpen)
	}
}

// Recovery returns the consecutive successes since the last failure and when
// that streak began. Since is zero for a source that has never failed.
func (cb *CircuitBreaker) Recovery() policy.Recovery {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return policy.Recovery{Cycles: cb.streak, Since: cb.streakStart}
}

// State returns the current state (for metrics and health).
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.source, from, to)
	}
}

// Registry hands out one breaker per source id, created on first use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns a Registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for source.
func (r *Registry) For(source string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[source]
	if !ok {
		cb = New(source, r.cfg)
		r.breakers[source] = cb
	}
	return cb
}

// States returns the state of every known breaker keyed by source id.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for id, cb := range r.breakers {
		out[id] = cb.State()
	}
	return out
}
