package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker open")

// Breaker stops calls to an upstream after threshold consecutive failures and
// lets them through again once the cooldown has passed. A success clears the
// failure count.
type Breaker struct {
	mu             sync.RWMutex
	threshold      int
	cooldownPeriod time.Duration
	failureCount   int
	cooldownUntil  time.Time
	now            func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		threshold:      threshold,
		cooldownPeriod: cooldown,
		now:            time.Now,
	}
}

// Allow returns ErrOpen while the breaker is cooling down.
func (cb *Breaker) Allow() error {
	if remaining := cb.CooldownRemaining(); remaining > 0 {
		return fmt.Errorf("%w: retry in %s", ErrOpen, remaining.Round(time.Millisecond))
	}
	return nil
}

// RecordFailure counts a failure and reports whether it opened the breaker.
func (cb *Breaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.failureCount >= cb.threshold {
		cb.cooldownUntil = cb.now().Add(cb.cooldownPeriod)
		cb.failureCount = 0
		return true
	}
	return false
}

func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
}

// Record feeds the outcome of one upstream call. Failures that are the
// caller's fault should not be passed here.
func (cb *Breaker) Record(err error) bool {
	if err == nil {
		cb.RecordSuccess()
		return false
	}
	return cb.RecordFailure()
}

func (cb *Breaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.now().Before(cb.cooldownUntil)
}

func (cb *Breaker) CooldownRemaining() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	now := cb.now()
	if now.Before(cb.cooldownUntil) {
		return cb.cooldownUntil.Sub(now)
	}
	return 0
}

func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.cooldownUntil = time.Time{}
}

func (cb *Breaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}
