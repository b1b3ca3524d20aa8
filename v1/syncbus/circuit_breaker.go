package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Publish while the breaker is open.
var ErrCircuitOpen = errors.New("latch: bus circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerBus decorates a Bus so that a failing transport stops being
// called for a while. Publishing is best effort for lock clients: waiters
// keep polling when signals are lost, so skipping publishes is safe.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker opens after threshold consecutive publish failures and
// lets a single trial publish through once cooldown elapsed.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// IsHealthy reports whether publishes currently reach the underlying bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == breakerClosed
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	default:
		// a trial publish is already in flight
		return false
	}
}

func (cb *CircuitBreakerBus) done(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = breakerClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic)
	cb.done(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, topic)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
