package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy schedules reconnects with exponential backoff: the delay
// before reconnect n (zero based) is Base * 2^n, and no reconnect is made
// once MaxAttempts consecutive reconnects have failed.
type ReconnectPolicy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy waits 1s, 2s, 4s, 8s and 16s, then gives up.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: time.Second, MaxAttempts: 5}
}

// Delay returns the wait before reconnect attempt n and false when the
// policy is exhausted.
func (p ReconnectPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= p.MaxAttempts || p.Base <= 0 {
		return 0, false
	}
	return p.Base << uint(attempt), true
}

// NewBackOff returns a fresh schedule producing the same delays as Delay,
// followed by backoff.Stop.
func (p ReconnectPolicy) NewBackOff() backoff.BackOff {
	if p.MaxAttempts <= 0 || p.Base <= 0 {
		return &backoff.StopBackOff{}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	if last, ok := p.Delay(p.MaxAttempts - 1); ok && last > exp.MaxInterval {
		exp.MaxInterval = last
	}
	exp.Reset()

	return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts))
}
