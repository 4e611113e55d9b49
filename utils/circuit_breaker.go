package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the request while the
// breaker is open or the half-open probe budget is spent.
var ErrCircuitOpen = errors.New("circuit breaker open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// CircuitBreaker guards an outbound dependency. It trips open after the
// failure ratio is exceeded over a rolling window, rejects calls for the
// cooldown period, then lets a limited number of probes through before
// closing again.
type CircuitBreaker struct {
	name         string
	maxProbes    uint32
	window       time.Duration
	cooldown     time.Duration
	minRequests  uint32
	failureRatio float64

	mu       sync.Mutex
	state    BreakerState
	requests uint32
	failures uint32
	expiry   time.Time
}

func NewCircuitBreaker(name string) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxProbes:    3,
		window:       time.Minute,
		cooldown:     30 * time.Second,
		minRequests:  10,
		failureRatio: 0.6,
	}
}

// Execute runs req unless the breaker rejects it. The context is passed
// through untouched; cancellation counts as a failure like any other
// error from req.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func() (interface{}, error)) (interface{}, error) {
	if err := cb.allow(); err != nil {
		return nil, err
	}
	result, err := req()
	cb.record(err == nil)
	return result, err
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(time.Now())
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(time.Now())
	switch cb.state {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if cb.requests >= cb.maxProbes {
			return ErrCircuitOpen
		}
	}
	cb.requests++
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !success {
		cb.failures++
	}
	switch cb.state {
	case BreakerClosed:
		if cb.requests >= cb.minRequests &&
			float64(cb.failures)/float64(cb.requests) >= cb.failureRatio {
			cb.trip(time.Now())
		}
	case BreakerHalfOpen:
		if success {
			if cb.requests >= cb.maxProbes && cb.failures == 0 {
				cb.reset(time.Now())
			}
		} else {
			cb.trip(time.Now())
		}
	}
}

// advance handles timer-driven transitions. Caller holds mu.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case BreakerClosed:
		// Counters age out so one bad minute long ago cannot trip us.
		if !cb.expiry.IsZero() && now.After(cb.expiry) {
			cb.reset(now)
		}
	case BreakerOpen:
		if now.After(cb.expiry) {
			cb.state = BreakerHalfOpen
			cb.requests = 0
			cb.failures = 0
		}
	}
}

func (cb *CircuitBreaker) trip(now time.Time) {
	cb.state = BreakerOpen
	cb.expiry = now.Add(cb.cooldown)
	cb.requests = 0
	cb.failures = 0
}

func (cb *CircuitBreaker) reset(now time.Time) {
	cb.state = BreakerClosed
	cb.expiry = now.Add(cb.window)
	cb.requests = 0
	cb.failures = 0
}
