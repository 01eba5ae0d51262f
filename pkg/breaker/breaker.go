// Package breaker implements a per-provider circuit breaker. The breaker is
// the primary exclusion mechanism for provider selection: a provider whose
// breaker is Open receives no traffic until the open duration has elapsed,
// after which a small number of trial calls decide whether it re-closes or
// re-opens.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit breaker state.
type State int

const (
	// Closed is the initial state; calls pass through.
	Closed State = iota
	// Open short-circuits all calls without a network attempt.
	Open
	// HalfOpen allows a limited number of trial calls to probe recovery.
	HalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker transitions.
type Config struct {
	// FailureThreshold is the number of failures within the tracking
	// window that opens the breaker. Defaults to 5.
	FailureThreshold int

	// OpenDuration is how long the breaker stays Open before allowing
	// trial calls. Defaults to 30s.
	OpenDuration time.Duration

	// HalfOpenTrials is both the cap on concurrent trial calls while
	// HalfOpen and the number of consecutive successes required to close
	// again. Defaults to 2.
	HalfOpenTrials int

	// TrackingWindow bounds how long failures are remembered while
	// Closed; a failure older than the window restarts the count.
	// Defaults to 1m.
	TrackingWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenTrials <= 0 {
		c.HalfOpenTrials = 2
	}
	if c.TrackingWindow <= 0 {
		c.TrackingWindow = time.Minute
	}
	return c
}

// CircuitBreaker is the failure-count state machine for one provider.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg Config

	providerID   string
	state        State
	failureCount int
	successCount int // consecutive successes, meaningful while HalfOpen
	windowStart  time.Time
	openedAt     time.Time
	trialsIssued int // trial calls admitted while HalfOpen

	log *zap.Logger
	now func() time.Time
}

// New creates a Closed breaker for the provider. A nil logger is replaced
// with a no-op logger.
func New(providerID string, cfg Config, log *zap.Logger) *CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitBreaker{
		cfg:        cfg.withDefaults(),
		providerID: providerID,
		state:      Closed,
		log:        log,
		now:        time.Now,
	}
}

// Allow reports whether a call to the provider may proceed. While Open it
// also performs the Open -> HalfOpen promotion once the open duration has
// elapsed; while HalfOpen it admits at most the configured number of trial
// calls.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.transition(HalfOpen, "open duration elapsed")
		return b.admitTrial()
	case HalfOpen:
		return b.admitTrial()
	default:
		return false
	}
}

// admitTrial issues a trial slot while HalfOpen. Caller holds b.mu.
func (b *CircuitBreaker) admitTrial() bool {
	if b.trialsIssued >= b.cfg.HalfOpenTrials {
		return false
	}
	b.trialsIssued++
	return true
}

// CanAttempt reports whether Allow would admit a call right now, without
// performing the Open -> HalfOpen promotion or consuming a trial slot. The
// manager uses it to filter candidates before committing to a call.
func (b *CircuitBreaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return b.now().Sub(b.openedAt) >= b.cfg.OpenDuration
	case HalfOpen:
		return b.trialsIssued < b.cfg.HalfOpenTrials
	default:
		return false
	}
}

// RecordSuccess registers a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenTrials {
			b.transition(Closed, "trial calls succeeded")
		}
	}
}

// RecordFailure registers a failed call outcome. While HalfOpen a single
// failure re-opens the breaker and restarts the open duration.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case Closed:
		if b.failureCount == 0 || now.Sub(b.windowStart) > b.cfg.TrackingWindow {
			b.failureCount = 0
			b.windowStart = now
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(Open, "failure threshold reached")
		}
	case HalfOpen:
		b.openedAt = now
		b.transition(Open, "trial call failed")
	}
}

// ForceClose resets the breaker to Closed regardless of its state. It is an
// operator override for when a provider is known to have recovered.
func (b *CircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		b.transition(Closed, "forced by operator")
		return
	}
	b.failureCount = 0
	b.successCount = 0
}

// State returns the current state without side effects: an Open breaker past
// its open duration still reports Open until Allow promotes it.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current windowed failure count.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// transition moves the breaker to a new state, resetting counters and
// logging the change. Caller holds b.mu.
func (b *CircuitBreaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	b.failureCount = 0
	b.successCount = 0
	b.trialsIssued = 0

	b.log.Info("circuit breaker state change",
		zap.String("provider", b.providerID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))
}
