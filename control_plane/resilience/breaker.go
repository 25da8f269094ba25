package resilience

import (
	"sync"
	"time"
)

// BreakerState represents the state of the store circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerHalfOpen                     // Testing recovery
	BreakerOpen                         // Rejecting store access
)

func (bs BreakerState) String() string {
	switch bs {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// StoreBreaker trips open after consecutive StoreUnavailable failures so a
// flapping backend is not hammered every coordinator cycle. After the cooldown
// a limited number of probe calls is allowed through; enough successes close
// the breaker again.
type StoreBreaker struct {
	mu sync.Mutex

	state            BreakerState
	failureThreshold int
	cooldownPeriod   time.Duration
	testLimit        int

	consecutiveFails int
	openedAt         time.Time
	testCount        int
	testSuccesses    int
}

// NewStoreBreaker creates a breaker with the given failure threshold and
// cooldown before half-open probing starts.
func NewStoreBreaker(failureThreshold int, cooldown time.Duration) *StoreBreaker {
	return &StoreBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		testLimit:        3,
	}
}

// Allow reports whether a store call should be attempted right now.
func (b *StoreBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cooldownPeriod {
		b.state = BreakerHalfOpen
		b.testCount = 0
		b.testSuccesses = 0
	}

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.testCount < b.testLimit {
			b.testCount++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notifies the breaker of a successful store call.
func (b *StoreBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == BreakerHalfOpen {
		b.testSuccesses++
		if b.testSuccesses >= b.testLimit {
			b.state = BreakerClosed
		}
	}
}

// RecordFailure notifies the breaker of a failed store call.
func (b *StoreBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.testCount = 0
		return
	}

	b.consecutiveFails++
	if b.state == BreakerClosed && b.consecutiveFails >= b.failureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state.
func (b *StoreBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
