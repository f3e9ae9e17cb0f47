// Package circuitbreaker stops calling a delivery provider that keeps
// failing and probes it again after a recovery window.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/metrics"
)

// State is exported as the breaker_state gauge value.
//
//	closed    -> open:      MaxFailures consecutive failures
//	open      -> half-open: RecoveryTimeout since the circuit opened
//	half-open -> closed:    a probe succeeds
//	half-open -> open:      a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while a provider is cut off.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name labels logs and the breaker_state gauge, e.g. "ses" or "webhook".
	Name string
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests caps concurrent probes.
	HalfOpenMaxRequests int
}

// CircuitBreaker guards one delivery provider.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state    State
	failures int
	openedAt time.Time
	probes   int
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source used for the recovery timeout.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a call may go through. Once the recovery window has
// passed, an open breaker admits up to HalfOpenMaxRequests probes.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.RecoveryTimeout {
			return false
		}
		cb.set(StateHalfOpen)
		cb.probes = 1
		return true
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return false
		}
		cb.probes++
		return true
	}
	return false
}

// RecordSuccess clears the failure streak and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.set(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.cfg.Name))
	}
}

// RecordFailure extends the failure streak. A failed probe reopens at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.open()
		cb.logger.Warn("circuit breaker re-opened, probe failed", zap.String("name", cb.cfg.Name))
	case cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures:
		cb.open()
		cb.logger.Warn("circuit breaker opened",
			zap.String("name", cb.cfg.Name),
			zap.Int("failures", cb.failures),
		)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.set(StateOpen)
}

// set must be called with mu held.
func (cb *CircuitBreaker) set(s State) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.cfg.Name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", s),
	)
	cb.state = s
	cb.probes = 0
	metrics.SetBreakerState(cb.cfg.Name, int(s))
}
