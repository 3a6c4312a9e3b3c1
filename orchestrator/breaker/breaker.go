package breaker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/observability"
)

// State represents the state of the circuit breaker.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // Testing recovery
	StateOpen                  // Rejecting calls
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the half-open success count that closes the circuit.
	SuccessThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// OpenError is returned when the breaker refuses a call without invoking the
// wrapped function. It is never counted as a failure itself.
type OpenError struct {
	Name         string
	FailureCount int
	ReopensAt    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %s is open (%d failures), reopens at %s",
		e.Name, e.FailureCount, e.ReopensAt.Format(time.RFC3339))
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name                string  `json:"name"`
	State               string  `json:"state"`
	TotalRequests       uint64  `json:"total_requests"`
	TotalFailures       uint64  `json:"total_failures"`
	TotalSuccesses      uint64  `json:"total_successes"`
	CircuitBlocked      uint64  `json:"circuit_blocked"`
	CurrentFailureCount int     `json:"current_failure_count"`
	FailureRate         float64 `json:"failure_rate"`
}

// Breaker wraps one worker-name's call with a three-state failure counter.
// Safe for concurrent callers; all state reads and writes are serialized
// under the breaker's own lock.
type Breaker struct {
	name string
	cfg  Config

	mu                sync.Mutex
	state             State
	failureCount      int
	halfOpenSuccesses int
	openedAt          time.Time
	lastFailureAt     time.Time

	totalRequests  uint64
	totalFailures  uint64
	totalSuccesses uint64
	totalBlocked   uint64
}

// New creates a breaker for one worker name.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Execute gates fn behind the breaker. If the circuit is open and the
// recovery timeout has not elapsed, fn is not called and an *OpenError is
// returned. Otherwise fn runs and its result is recorded.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	result, err := fn()
	if err != nil {
		b.recordFailure()
		return nil, err
	}
	b.recordSuccess()
	return result, nil
}

// admit decides whether the call may proceed, transitioning Open -> HalfOpen
// when the recovery timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state == StateOpen {
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenSuccesses = 0
		} else {
			b.totalBlocked++
			return &OpenError{
				Name:         b.name,
				FailureCount: b.failureCount,
				ReopensAt:    b.openedAt.Add(b.cfg.RecoveryTimeout),
			}
		}
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.halfOpenSuccesses = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Probe failed, reopen.
		b.openedAt = time.Now()
		b.transition(StateOpen)
	}
}

// transition changes state under the caller's lock and emits a log record.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	log.Printf("[BREAKER] %s: %s -> %s (failures=%d)", b.name, from, to, b.failureCount)
	observability.BreakerState.WithLabelValues(b.name).Set(float64(to))
	observability.BreakerTransitions.WithLabelValues(b.name, to.String()).Inc()
}

// Reset administratively returns the breaker to CLOSED with counts cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed)
	b.failureCount = 0
	b.halfOpenSuccesses = 0
	b.openedAt = time.Time{}
}

// GetState returns the current state (thread-safe).
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a consistent snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                b.name,
		State:               b.state.String(),
		TotalRequests:       b.totalRequests,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		CircuitBlocked:      b.totalBlocked,
		CurrentFailureCount: b.failureCount,
	}
	if attempted := b.totalSuccesses + b.totalFailures; attempted > 0 {
		s.FailureRate = float64(b.totalFailures) / float64(attempted)
	}
	return s
}
