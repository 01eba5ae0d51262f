package manager

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/breaker"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// Health returns a read-only snapshot of every provider, sorted by id. URLs
// are masked; the snapshot never feeds back into selection.
func (m *Manager) Health() []types.ProviderHealth {
	out := make([]types.ProviderHealth, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.providerHealth(m.providers[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProviderHealth returns the snapshot for a single provider.
func (m *Manager) ProviderHealth(id string) (types.ProviderHealth, error) {
	p, ok := m.providers[id]
	if !ok {
		return types.ProviderHealth{}, fmt.Errorf("manager: unknown provider %q", id)
	}
	return m.providerHealth(p), nil
}

func (m *Manager) providerHealth(p *provider) types.ProviderHealth {
	p.mu.Lock()
	enabled := p.enabled
	st := p.state
	p.mu.Unlock()

	var successRate float64 = 1.0
	if st.totalCalls > 0 {
		successRate = float64(st.totalCalls-st.totalErrors) / float64(st.totalCalls)
	}

	return types.ProviderHealth{
		ID:                   p.cfg.ID,
		Kind:                 p.cfg.Kind,
		URL:                  p.cfg.MaskedURL(),
		Enabled:              enabled,
		Priority:             p.cfg.EffectivePriority(),
		CircuitState:         circuitState(m.breakers.State(p.cfg.ID)),
		TotalCalls:           st.totalCalls,
		TotalErrors:          st.totalErrors,
		ConsecutiveFailures:  st.consecutiveFailures,
		ConsecutiveSuccesses: st.consecutiveSuccesses,
		SuccessRate:          successRate,
		AvgLatency:           st.avgLatency,
		EffectiveRate:        m.limiters.EffectiveRate(p.cfg.ID),
		BaseRate:             p.cfg.EffectiveRateLimit(),
		RateLimitHits:        st.rateLimitHits,
		LastSuccess:          st.lastSuccess,
		LastFailure:          st.lastFailure,
		LastError:            st.lastError,
	}
}

func circuitState(s breaker.State) types.CircuitState {
	switch s {
	case breaker.Open:
		return types.CircuitOpen
	case breaker.HalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

// SetEnabled gates a provider in or out of selection at runtime.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	p, ok := m.providers[id]
	if !ok {
		return fmt.Errorf("manager: unknown provider %q", id)
	}
	p.setEnabled(enabled)
	m.log.Info("provider enabled flag changed",
		zap.String("provider", id),
		zap.Bool("enabled", enabled))
	return nil
}

// ForceCloseBreaker resets a provider's breaker to Closed, an operator
// override for when a provider is known to have recovered.
func (m *Manager) ForceCloseBreaker(id string) error {
	if !m.breakers.ForceClose(id) {
		return fmt.Errorf("manager: unknown provider %q", id)
	}
	return nil
}

// ResetBreakers force-closes every provider's breaker.
func (m *Manager) ResetBreakers() {
	m.breakers.ResetAll()
	m.log.Info("all circuit breakers reset")
}
