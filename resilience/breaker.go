// Package resilience provides a circuit breaker used to guard calls to
// remote stores. When the remote side is down, the breaker fails fast
// instead of paying the connection timeout on every request.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is open and the call was not attempted.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for the circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int

	// CoolDown is how long to wait before transitioning from Open to Half-Open
	CoolDown time.Duration

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to close
	SuccessThreshold int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		CoolDown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker implements the circuit breaker pattern. Calls run synchronously;
// cancellation and timeouts belong to the caller's context.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a new circuit breaker with the given configuration
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultConfig().CoolDown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn through the breaker. When the breaker is open and the
// cool-down has not elapsed, fn is not called and ErrOpen is returned.
// Context cancellation counts as a failure like any other error.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.cfg.CoolDown {
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		return ErrOpen
	default:
		return ErrOpen
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
		}
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually closes the breaker and clears its counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
