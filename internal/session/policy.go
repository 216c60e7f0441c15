package session

import (
	"math"
	"time"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPairingWait    = 20 * time.Second
	DefaultDialTimeout    = 30 * time.Second
)

// ReconnectPolicy controls how a transiently closed session is re-dialed.
// MaxAttempts 0 retries forever; Multiplier 1 keeps the delay fixed.
type ReconnectPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Multiplier  float64
	MaxDelay    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Delay:      DefaultReconnectDelay,
		Multiplier: 1.0,
		MaxDelay:   5 * time.Minute,
	}
}

// NextDelay returns the wait before the given 1-based reconnect attempt.
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 1 || p.Delay <= 0 {
		return p.Delay
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.Delay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt exceeds the configured bound.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
