// Package ratelimit provides per-provider admission control for RPC calls.
// Each provider gets an independent token-bucket limiter seeded with its
// configured base rate. When a provider answers with a rate-limit response,
// the limiter backs off multiplicatively down to a configured floor and then
// recovers toward the base rate while no further rate-limit signals arrive.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DecisionKind classifies an admission decision.
type DecisionKind int

const (
	// Admitted means a token was consumed and the call may proceed now.
	Admitted DecisionKind = iota
	// Wait means the call may proceed after Decision.Delay. No token was
	// consumed; callers re-acquire after waiting or move on.
	Wait
	// Denied means the required wait exceeds the deny threshold and the
	// caller should treat the provider as unavailable for this call.
	Denied
)

// Decision is the result of an admission check.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
}

// Config controls a single provider's adaptive limiter.
type Config struct {
	// BaseRate is the provider's allowed steady-state rate in requests
	// per second. Required.
	BaseRate float64

	// Burst is the token-bucket burst size. Defaults to max(1, BaseRate).
	Burst int

	// BackoffFactor multiplies the effective rate on every rate-limit
	// signal. Must be in (0, 1); defaults to 0.5.
	BackoffFactor float64

	// FloorRate is the minimum effective rate. The limiter keeps admitting
	// at the floor rather than starving a provider forever. Defaults to
	// BaseRate/100, clamped to at least 0.1 rps.
	FloorRate float64

	// RecoveryInterval is how long the provider must stay quiet (no
	// rate-limit signals) before the effective rate starts recovering,
	// and the sampling period of each recovery step. Defaults to 10s.
	RecoveryInterval time.Duration

	// RecoveryStep is the additive rate increase applied per elapsed
	// recovery interval. Defaults to BaseRate/10.
	RecoveryStep float64

	// DenyAfter is the wait duration beyond which Acquire returns Denied
	// instead of Wait. Defaults to 5s.
	DenyAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Burst <= 0 {
		c.Burst = int(c.BaseRate)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.BackoffFactor <= 0 || c.BackoffFactor >= 1 {
		c.BackoffFactor = 0.5
	}
	if c.FloorRate <= 0 {
		c.FloorRate = c.BaseRate / 100
		if c.FloorRate < 0.1 {
			c.FloorRate = 0.1
		}
	}
	if c.FloorRate > c.BaseRate {
		c.FloorRate = c.BaseRate
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 10 * time.Second
	}
	if c.RecoveryStep <= 0 {
		c.RecoveryStep = c.BaseRate / 10
	}
	if c.DenyAfter <= 0 {
		c.DenyAfter = 5 * time.Second
	}
	return c
}

// AdaptiveLimiter is a token-bucket limiter for one provider with
// multiplicative backoff and additive recovery. It is safe for concurrent
// use; all state is provider-local, so limiters for different providers
// never contend with each other.
type AdaptiveLimiter struct {
	mu  sync.Mutex
	cfg Config

	limiter       *rate.Limiter
	effectiveRate float64
	lastSignal    time.Time // last rate-limit signal
	lastRecovery  time.Time // last recovery step applied

	now func() time.Time
}

// NewAdaptiveLimiter creates a limiter seeded at the base rate.
func NewAdaptiveLimiter(cfg Config) *AdaptiveLimiter {
	cfg = cfg.withDefaults()
	return &AdaptiveLimiter{
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.BaseRate), cfg.Burst),
		effectiveRate: cfg.BaseRate,
		now:           time.Now,
	}
}

// Acquire performs a non-blocking admission check. Recovery toward the base
// rate is sampled here, so quiet providers heal without a background task.
func (l *AdaptiveLimiter) Acquire() Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeRecover(now)

	res := l.limiter.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Kind: Denied}
	}

	delay := res.DelayFrom(now)
	if delay == 0 {
		return Decision{Kind: Admitted}
	}

	// Hand the token back; the caller decides whether to wait or move on.
	res.CancelAt(now)
	if delay > l.cfg.DenyAfter {
		return Decision{Kind: Denied, Delay: delay}
	}
	return Decision{Kind: Wait, Delay: delay}
}

// WaitAdmit blocks until a token is available or the context is done. It is
// used when every candidate provider is rate-limited and the call has to
// wait for the soonest availability instead of failing outright.
func (l *AdaptiveLimiter) WaitAdmit(ctx context.Context) error {
	l.mu.Lock()
	l.maybeRecover(l.now())
	lim := l.limiter
	l.mu.Unlock()

	return lim.Wait(ctx)
}

// RecordRateLimited registers a rate-limit response from the provider and
// multiplies the effective rate by the backoff factor, never dropping below
// the floor.
func (l *AdaptiveLimiter) RecordRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	next := l.effectiveRate * l.cfg.BackoffFactor
	if next < l.cfg.FloorRate {
		next = l.cfg.FloorRate
	}
	l.effectiveRate = next
	l.lastSignal = now
	l.lastRecovery = now
	l.limiter.SetLimitAt(now, rate.Limit(next))
}

// EffectiveRate returns the current effective rate in requests per second.
func (l *AdaptiveLimiter) EffectiveRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeRecover(l.now())
	return l.effectiveRate
}

// BaseRate returns the configured base rate.
func (l *AdaptiveLimiter) BaseRate() float64 {
	return l.cfg.BaseRate
}

// maybeRecover raises the effective rate toward the base rate, one additive
// step per elapsed recovery interval since the last step, once the provider
// has been quiet for at least one interval. Caller holds l.mu.
func (l *AdaptiveLimiter) maybeRecover(now time.Time) {
	if l.effectiveRate >= l.cfg.BaseRate {
		return
	}
	if now.Sub(l.lastSignal) < l.cfg.RecoveryInterval {
		return
	}

	steps := int64(now.Sub(l.lastRecovery) / l.cfg.RecoveryInterval)
	if steps <= 0 {
		return
	}

	next := l.effectiveRate + float64(steps)*l.cfg.RecoveryStep
	if next > l.cfg.BaseRate {
		next = l.cfg.BaseRate
	}
	l.effectiveRate = next
	l.lastRecovery = now
	l.limiter.SetLimitAt(now, rate.Limit(next))
}
