package breaker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrCircuitOpen means the breaker is refusing calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds the trip thresholds. Zero values fall back to the SP-API
// defaults.
type Config struct {
	FailureThreshold int           // consecutive failures before OPEN
	RecoveryTimeout  time.Duration // OPEN -> HALF_OPEN delay
}

const (
	defaultFailureThreshold = 10
	defaultRecoveryTimeout  = 300 * time.Second
)

// CircuitBreaker trips OPEN after a run of consecutive failures, probes
// with a single call once the recovery timeout elapses, and closes again
// on success.
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration

	state        State
	failures     int
	lastFailure  time.Time
	totalTrips   int64
	totalAllowed int64
	totalRefused int64

	now func() time.Time

	mu sync.Mutex
}

// New creates a closed breaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Call runs fn under the breaker. While OPEN it fails fast with
// ErrCircuitOpen until the recovery timeout has elapsed; then exactly the
// probing call decides whether to close or reopen.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.recoveryTimeout {
			cb.totalRefused++
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
	case StateHalfOpen:
		// one probe at a time
	}

	cb.totalAllowed++
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.state = StateClosed
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
		if cb.state != StateOpen {
			cb.totalTrips++
		}
		cb.state = StateOpen
	}
}

// State reports the current state, accounting for an elapsed recovery
// timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.recoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Counters is a snapshot for the admin surface.
type Counters struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	TotalTrips          int64  `json:"total_trips"`
	TotalAllowed        int64  `json:"total_allowed"`
	TotalRefused        int64  `json:"total_refused"`
}

// Counters returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Counters() Counters {
	state := cb.State()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counters{
		State:               state.String(),
		ConsecutiveFailures: cb.failures,
		TotalTrips:          cb.totalTrips,
		TotalAllowed:        cb.totalAllowed,
		TotalRefused:        cb.totalRefused,
	}
}

// Reset force-closes the breaker and clears the failure run.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}
