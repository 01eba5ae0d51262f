package ratelimit

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds one AdaptiveLimiter per provider, keyed by provider id.
// The set of providers is fixed at construction time; lookups after that
// are read-only and never contend.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*AdaptiveLimiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// Add registers a limiter for the provider, replacing any existing one.
func (r *Registry) Add(providerID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[providerID] = NewAdaptiveLimiter(cfg)
}

// Get returns the limiter for a provider.
func (r *Registry) Get(providerID string) (*AdaptiveLimiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[providerID]
	return l, ok
}

// Acquire performs an admission check for the provider. Unknown providers
// are denied; admission for a provider that was never configured is a
// programming error upstream, not something to silently allow.
func (r *Registry) Acquire(providerID string) Decision {
	l, ok := r.Get(providerID)
	if !ok {
		return Decision{Kind: Denied}
	}
	return l.Acquire()
}

// WaitAdmit blocks until the provider admits a call or ctx is done.
func (r *Registry) WaitAdmit(ctx context.Context, providerID string) error {
	l, ok := r.Get(providerID)
	if !ok {
		return fmt.Errorf("ratelimit: unknown provider %q", providerID)
	}
	return l.WaitAdmit(ctx)
}

// RecordRateLimited feeds a provider's rate-limit response back into its
// limiter. Unknown providers are ignored.
func (r *Registry) RecordRateLimited(providerID string) {
	if l, ok := r.Get(providerID); ok {
		l.RecordRateLimited()
	}
}

// EffectiveRate returns the provider's current effective rate, or 0 for
// unknown providers.
func (r *Registry) EffectiveRate(providerID string) float64 {
	l, ok := r.Get(providerID)
	if !ok {
		return 0
	}
	return l.EffectiveRate()
}
