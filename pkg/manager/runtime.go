package manager

import (
	"sync"
	"time"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// latencyEWMAWeight is the smoothing factor for the rolling average latency.
const latencyEWMAWeight = 0.2

// runtimeState holds a provider's mutable health counters. It is updated only
// through the outcome-recording path and read when building candidate lists
// and health snapshots.
type runtimeState struct {
	totalCalls           int64
	totalErrors          int64
	consecutiveFailures  int
	consecutiveSuccesses int
	avgLatency           time.Duration
	rateLimitHits        int64
	lastSuccess          time.Time
	lastFailure          time.Time
	lastError            string
}

// provider pairs an immutable config with its runtime state. Each provider
// carries its own lock so outcome recording for one provider never blocks
// calls routed to another.
type provider struct {
	cfg types.ProviderConfig

	mu      sync.Mutex
	enabled bool
	state   runtimeState
}

func newProvider(cfg types.ProviderConfig) *provider {
	return &provider{cfg: cfg, enabled: cfg.Enabled}
}

func (p *provider) recordSuccess(latency time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.totalCalls++
	p.state.consecutiveFailures = 0
	p.state.consecutiveSuccesses++
	p.state.lastSuccess = now
	p.observeLatency(latency)
}

// recordFailure counts any failed attempt, rate-limited ones included, so
// repeated rate limiting degrades the provider's selection priority even
// though it never touches the circuit breaker.
func (p *provider) recordFailure(err *types.RpcError, latency time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.totalCalls++
	p.state.totalErrors++
	p.state.consecutiveSuccesses = 0
	p.state.consecutiveFailures++
	p.state.lastFailure = now
	p.state.lastError = err.Error()
	if err.Code == types.ErrCodeRateLimit {
		p.state.rateLimitHits++
	}
	p.observeLatency(latency)
}

// observeLatency folds one sample into the rolling average. Caller holds p.mu.
func (p *provider) observeLatency(latency time.Duration) {
	if p.state.avgLatency == 0 {
		p.state.avgLatency = latency
		return
	}
	prev := float64(p.state.avgLatency)
	p.state.avgLatency = time.Duration(prev + latencyEWMAWeight*(float64(latency)-prev))
}

// candidate is a point-in-time snapshot of the fields selection orders by.
type candidate struct {
	id                  string
	priority            int
	successRate         float64
	avgLatency          time.Duration
	consecutiveFailures int
}

// snapshot returns the provider's selection-relevant state, or false when the
// provider is disabled.
func (p *provider) snapshot() (candidate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return candidate{}, false
	}
	return candidate{
		id:                  p.cfg.ID,
		priority:            p.cfg.EffectivePriority(),
		successRate:         p.successRateLocked(),
		avgLatency:          p.state.avgLatency,
		consecutiveFailures: p.state.consecutiveFailures,
	}, true
}

// successRateLocked returns the lifetime success ratio. Providers that have
// not been called yet rate 1.0 so new providers are not ranked below ones
// with a perfect history. Caller holds p.mu.
func (p *provider) successRateLocked() float64 {
	if p.state.totalCalls == 0 {
		return 1.0
	}
	return float64(p.state.totalCalls-p.state.totalErrors) / float64(p.state.totalCalls)
}

func (p *provider) setEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}
