// Package resilience holds the fault-tolerance primitives of the reconciler:
// retry with exponential backoff for the document lifecycle, a step timeout,
// and a breaker for the optional dependencies (match cache, event broker)
// that the pipeline keeps working without.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling a dependency whose breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the position of a Breaker.
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

// BreakerConfig tunes a Breaker. Zero values take the defaults: three
// failures, a thirty second cooldown, and every non-cancellation error
// counted.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration

	// Counts reports whether err is the dependency's fault. A cache miss or
	// a caller's cancelled context is not.
	Counts func(err error) bool

	// OnStateChange runs with the breaker's lock held and must not call
	// back into it.
	OnStateChange func(name string, from, to State)
}

// Breaker stops calls to a dependency after Threshold consecutive counted
// failures. Once Cooldown has passed a single trial call is let through:
// success closes the breaker, failure opens it for another cooldown.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool

	now    func() time.Time
	logger *slog.Logger
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Counts == nil {
		cfg.Counts = notCancelled
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "breaker", "name", name),
	}
}

func notCancelled(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do calls fn unless the breaker is open, and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// Name returns the dependency name the breaker was created with.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s for another %v", ErrCircuitOpen, b.name, wait.Round(time.Millisecond))
		}
		b.move(StateHalfOpen)
		b.trial = true
		return nil
	case StateHalfOpen:
		if b.trial {
			return fmt.Errorf("%w: %s trial call in flight", ErrCircuitOpen, b.name)
		}
		b.trial = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if err == nil || !b.cfg.Counts(err) {
		if b.state == StateHalfOpen {
			b.logger.Info("dependency recovered")
		}
		b.failures = 0
		b.move(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.Threshold {
		if b.state != StateOpen {
			b.logger.Warn("dependency failing, calls suspended",
				"consecutive_failures", b.failures,
				"cooldown", b.cfg.Cooldown,
				"error", err,
			)
		}
		b.openedAt = b.now()
		b.move(StateOpen)
	}
}

func (b *Breaker) move(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
