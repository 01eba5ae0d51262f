package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per provider. Each breaker guards its own
// state, so outcomes for different providers never contend.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
	log      *zap.Logger
}

// NewRegistry creates a registry that builds breakers with the given config.
func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		log:      log,
	}
}

// Add creates a breaker for the provider, replacing any existing one.
func (r *Registry) Add(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[providerID] = New(providerID, r.cfg, r.log)
}

// Get returns the breaker for a provider.
func (r *Registry) Get(providerID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[providerID]
	return b, ok
}

// Allow reports whether the provider may receive a call. Unknown providers
// are refused.
func (r *Registry) Allow(providerID string) bool {
	b, ok := r.Get(providerID)
	if !ok {
		return false
	}
	return b.Allow()
}

// CanAttempt reports whether the provider could receive a call, without the
// side effects of Allow. Unknown providers are refused.
func (r *Registry) CanAttempt(providerID string) bool {
	b, ok := r.Get(providerID)
	if !ok {
		return false
	}
	return b.CanAttempt()
}

// RecordSuccess registers a success for the provider.
func (r *Registry) RecordSuccess(providerID string) {
	if b, ok := r.Get(providerID); ok {
		b.RecordSuccess()
	}
}

// RecordFailure registers a failure for the provider.
func (r *Registry) RecordFailure(providerID string) {
	if b, ok := r.Get(providerID); ok {
		b.RecordFailure()
	}
}

// ForceClose resets the provider's breaker to Closed.
func (r *Registry) ForceClose(providerID string) bool {
	b, ok := r.Get(providerID)
	if !ok {
		return false
	}
	b.ForceClose()
	return true
}

// ResetAll force-closes every breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.ForceClose()
	}
}

// State returns the provider's breaker state; unknown providers report Open
// so they are excluded from selection.
func (r *Registry) State(providerID string) State {
	b, ok := r.Get(providerID)
	if !ok {
		return Open
	}
	return b.State()
}
