// Package circuitbreaker guards calls to a remote dependency. After enough
// consecutive failures the guard opens and rejects calls until a cooldown
// passes, then admits a limited number of trial calls before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{"closed", "half-open", "open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type Config struct {
	// Trial calls admitted while half-open.
	MaxRequests uint32
	// Length of the closed-state counting window; zero never resets it.
	Interval time.Duration
	// Cooldown before an open breaker admits trial calls.
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	OnStateChange    func(name string, from State, to State)
	Logger           *zap.Logger
	// Now overrides the clock; tests use it to step past Timeout.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Name                string
	State               State
	ConsecutiveFailures uint32
	// When the current state was entered.
	Since time.Time
	// Zero unless open.
	RetryAt time.Time
}

type CircuitBreaker struct {
	name string
	cfg  Config

	mu    sync.Mutex
	state State
	since time.Time
	// Open: end of the cooldown. Closed: end of the counting window.
	deadline time.Time
	// Bumped on every transition and window reset. Results reported
	// against an older epoch are dropped.
	epoch     uint64
	admitted  uint32
	failures  uint32
	successes uint32
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, cfg: cfg.withDefaults()}
	now := cb.cfg.Now()
	cb.since = now
	cb.resetWindow(now)
	return cb
}

// Execute runs fn unless the breaker is open. Context cancellation is not
// counted as a failure of the protected dependency; a panic is.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	failed := true
	defer func() { cb.report(epoch, failed) }()

	err = fn()
	failed = err != nil && !errors.Is(err, context.Canceled)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Now())
	switch cb.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if cb.admitted >= cb.cfg.MaxRequests {
			return 0, ErrTooManyRequests
		}
	}
	cb.admitted++
	return cb.epoch, nil
}

func (cb *CircuitBreaker) report(epoch uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.Now()
	cb.advance(now)
	if epoch != cb.epoch {
		return
	}

	if !failed {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.successes = 0
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// advance applies the time-driven changes: a cooled-down open breaker goes
// half-open and an expired closed window starts over.
func (cb *CircuitBreaker) advance(now time.Time) {
	if cb.deadline.IsZero() || !now.After(cb.deadline) {
		return
	}
	switch cb.state {
	case StateOpen:
		cb.transition(StateHalfOpen, now)
	case StateClosed:
		cb.resetWindow(now)
	}
}

func (cb *CircuitBreaker) resetWindow(now time.Time) {
	cb.epoch++
	cb.admitted, cb.failures, cb.successes = 0, 0, 0

	cb.deadline = time.Time{}
	switch {
	case cb.state == StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	case cb.state == StateClosed && cb.cfg.Interval > 0:
		cb.deadline = now.Add(cb.cfg.Interval)
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from, failures := cb.state, cb.failures
	cb.state, cb.since = to, now
	cb.resetWindow(now)

	fields := []zap.Field{
		zap.String("dependency", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if to == StateOpen {
		cb.cfg.Logger.Warn("Dependency guard opened",
			append(fields, zap.Uint32("consecutive_failures", failures), zap.Time("retry_at", cb.deadline))...)
	} else {
		cb.cfg.Logger.Info("Dependency guard changed state", fields...)
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Now())
	return cb.state
}

func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.cfg.Now())
	st := Status{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		Since:               cb.since,
	}
	if cb.state == StateOpen {
		st.RetryAt = cb.deadline
	}
	return st
}
