package router

import (
	"sync"
	"time"

	"github.com/florejun0824/srcslmsstable-sub009/internal/config"
)

// HealthTracker keeps one circuit breaker per candidate name. A nil
// *HealthTracker treats every candidate as available.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
}

func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

// HealthTrackerFromConfig returns nil when circuit breaking is disabled.
func HealthTrackerFromConfig(cfg config.CircuitBreakerConfig) *HealthTracker {
	if !cfg.Enabled {
		return nil
	}
	return NewHealthTracker(cfg.FailureThreshold, cfg.RecoveryProbeInterval)
}

// GetBreaker returns (or lazily creates) the breaker for a candidate.
func (ht *HealthTracker) GetBreaker(candidate string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[candidate]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb, ok := ht.breakers[candidate]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	cb.now = ht.now
	ht.breakers[candidate] = cb
	return cb
}

func (ht *HealthTracker) IsAvailable(candidate string) bool {
	if ht == nil {
		return true
	}
	return ht.GetBreaker(candidate).Allow()
}

func (ht *HealthTracker) RecordSuccess(candidate string) {
	if ht == nil {
		return
	}
	ht.GetBreaker(candidate).RecordSuccess()
}

func (ht *HealthTracker) RecordFailure(candidate string) {
	if ht == nil {
		return
	}
	ht.GetBreaker(candidate).RecordFailure()
}

func (ht *HealthTracker) ReleaseProbe(candidate string) {
	if ht == nil {
		return
	}
	ht.GetBreaker(candidate).ReleaseProbe()
}

// States reports the circuit state of every candidate seen so far.
func (ht *HealthTracker) States() map[string]CircuitState {
	if ht == nil {
		return nil
	}
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	out := make(map[string]CircuitState, len(ht.breakers))
	for name, cb := range ht.breakers {
		out[name] = cb.State()
	}
	return out
}
