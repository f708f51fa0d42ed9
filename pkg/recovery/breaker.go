package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/denizumutdereli/qubicsleep/pkg/core"
	"github.com/sony/gobreaker"
)

// Breaker is a per-dependency circuit breaker. After threshold consecutive
// failures it opens and rejects calls with core.ErrCircuitOpen until
// resetTimeout has passed; then a single trial call decides whether it
// closes again.
type Breaker struct {
	cb *gobreaker.CircuitBreaker

	rejected atomic.Uint64
	trips    atomic.Uint64
}

// NewBreaker creates a closed breaker. onChange, when set, observes every
// state transition.
func NewBreaker(name string, threshold int, resetTimeout time.Duration, onChange func(name string, from, to gobreaker.State)) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: countsAsHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.trips.Add(1)
			}
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	})
	return b
}

// countsAsHealthy keeps caller cancellation and data-level outcomes
// (stale version, vanished trace) from tripping the dependency.
func countsAsHealthy(err error) bool {
	return err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, core.ErrVersionConflict) ||
		errors.Is(err, core.ErrTraceNotFound)
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.cb.Name()
}

// State returns the current state. An open breaker reports half-open once
// the reset timeout has elapsed.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(1)
		return fmt.Errorf("%w: %s (%v)", core.ErrCircuitOpen, b.cb.Name(), err)
	}
	return err
}

// Stats returns breaker statistics
func (b *Breaker) Stats() map[string]any {
	c := b.cb.Counts()
	return map[string]any{
		"state":    b.cb.State().String(),
		"failures": c.ConsecutiveFailures,
		"requests": c.Requests,
		"rejected": b.rejected.Load(),
		"trips":    b.trips.Load(),
	}
}
