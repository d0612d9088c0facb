package errors

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// Closed means scrapes run normally.
	Closed CircuitState = iota
	// Open means the site has blocked repeatedly and scrapes fail fast.
	Open
	// HalfOpen means one trial scrape is allowed through.
	HalfOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
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

// BreakerConfig configures the site circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Consecutive blocked runs before opening
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         10 * time.Minute,
	}
}

// CircuitBreaker stops new scrapes after the site blocks several runs in a
// row. Only Blocked failures count; timeouts and parse failures do not say
// anything about the session being flagged.
type CircuitBreaker struct {
	mu sync.Mutex

	config   BreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
	now      func() time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	return &CircuitBreaker{
		config: config,
		state:  Closed,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// OnStateChange sets a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow checks whether a scrape may start.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
			cb.transitionTo(HalfOpen)
			cb.trial = true
			return true
		}
		return false
	case HalfOpen:
		if !cb.trial {
			cb.trial = true
			return true
		}
		return false
	}
	return false
}

// Record feeds the outcome of a scrape into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	blocked := err != nil && GetErrorType(err) == Blocked

	switch cb.state {
	case Closed:
		if !blocked {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transitionTo(Open)
		}
	case HalfOpen:
		cb.trial = false
		if blocked {
			cb.openedAt = cb.now()
			cb.transitionTo(Open)
			return
		}
		cb.transitionTo(Closed)
	}
}

// transitionTo transitions to a new state.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case Closed:
		cb.failures = 0
		cb.trial = false
	case Open:
		cb.trial = false
	}

	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = Closed
	cb.failures = 0
	cb.trial = false
}

// RetryAfter returns how long until an open breaker admits a trial.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != Open {
		return 0
	}
	remaining := cb.config.Cooldown - cb.now().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(keyword string, fn func() error) error {
	if !cb.Allow() {
		return New(Blocked, keyword, "scrape",
			"scraping paused after repeated blocks, retry in "+cb.RetryAfter().Round(time.Second).String(), nil)
	}

	err := fn()
	cb.Record(err)
	return err
}
