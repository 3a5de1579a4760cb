package loadbalancer

import (
	"sync"
	"time"
)

// CircuitBreaker tracks consecutive failures for one cluster. It opens when
// the threshold is reached; any recorded success closes it again.
type CircuitBreaker struct {
	clusterID string
	threshold int

	mu       sync.Mutex
	failures int
	isOpen   bool
	openedAt time.Time
}

// NewCircuitBreaker creates a closed breaker for the cluster
func NewCircuitBreaker(clusterID string, threshold int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &CircuitBreaker{clusterID: clusterID, threshold: threshold}
}

// RecordFailure accumulates a consecutive failure, opening the breaker at the
// threshold. Returns true when this call opened it.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if !cb.isOpen && cb.failures >= cb.threshold {
		cb.isOpen = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.isOpen = false
	cb.openedAt = time.Time{}
}

// IsOpen reports whether the breaker currently rejects routing
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.isOpen
}

// Snapshot returns the breaker's current counters
func (cb *CircuitBreaker) Snapshot() (failures int, isOpen bool, openedAt time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.isOpen, cb.openedAt
}
