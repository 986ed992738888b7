package source

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/leadboard/internal/config"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Gauge returns the value exported on the circuit breaker state metric:
// 0 closed, 1 half-open, 2 open.
func (s BreakerState) Gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is returned by Allow while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// minErrorRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minErrorRateSamples = 10

// CircuitBreaker guards one upstream. It opens after FailureThreshold
// consecutive failures, or when the error rate inside the current window
// reaches ErrorRateThreshold, and lets one trial request through after Timeout.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	now func() time.Time

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	rateThreshold float64
	window        rateWindow
}

type rateWindow struct {
	length   time.Duration
	start    time.Time
	total    int
	failures int
}

// NewCircuitBreaker builds a breaker from config, filling in defaults for
// unset thresholds.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		now:              time.Now,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		rateThreshold:    cfg.ErrorRateThreshold,
		window:           rateWindow{length: cfg.ErrorRateWindow},
	}
	if cb.failureThreshold < 1 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold < 1 {
		cb.successThreshold = 2
	}
	if cb.timeout <= 0 {
		cb.timeout = 30 * time.Second
	}
	cb.window.start = cb.now()
	return cb
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.current() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a call that reached the upstream and got a usable
// answer.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		cb.failures = 0
		cb.observe(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
			cb.resetWindow()
		}
	}
}

// RecordFailure records an infrastructure failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		cb.failures++
		cb.observe(true)
		if cb.failures >= cb.failureThreshold || cb.rateExceeded() {
			cb.trip()
		}
	case BreakerHalfOpen:
		cb.trip()
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// ErrorRate returns the failure ratio and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.rollWindow()
	if cb.window.total == 0 {
		return 0, 0
	}
	return float64(cb.window.failures) / float64(cb.window.total), cb.window.total
}

// current moves an expired open breaker to half-open. Caller holds mu.
func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.resetWindow()
}

func (cb *CircuitBreaker) observe(failed bool) {
	if cb.window.length <= 0 {
		return
	}
	cb.rollWindow()
	cb.window.total++
	if failed {
		cb.window.failures++
	}
}

func (cb *CircuitBreaker) rollWindow() {
	if cb.window.length > 0 && cb.now().Sub(cb.window.start) > cb.window.length {
		cb.resetWindow()
	}
}

func (cb *CircuitBreaker) resetWindow() {
	cb.window.start = cb.now()
	cb.window.total = 0
	cb.window.failures = 0
}

func (cb *CircuitBreaker) rateExceeded() bool {
	if cb.rateThreshold <= 0 || cb.window.length <= 0 || cb.window.total < minErrorRateSamples {
		return false
	}
	return float64(cb.window.failures)/float64(cb.window.total) >= cb.rateThreshold
}
