// Package manager holds the live provider set and routes every RPC call to a
// healthy provider. For each call it builds an ordered candidate list from
// per-provider runtime state, consults the circuit breaker and rate limiter,
// executes the call with a per-call timeout, records the outcome, and fails
// over to the next candidate on retryable errors. It owns all selection and
// failover policy; the transport below it and the facade above it carry none.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/jsonrpc"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/breaker"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/stats"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// Config configures the manager and the per-provider state it builds.
type Config struct {
	// Providers is the configured provider set. At least one is required.
	Providers []types.ProviderConfig

	// Breaker tunes every provider's circuit breaker.
	Breaker breaker.Config

	// Limits tunes every provider's adaptive limiter. BaseRate and Burst
	// are ignored here; they come from each provider's own config.
	Limits ratelimit.Config

	// CallTimeout bounds each network attempt. Defaults to 10s.
	CallTimeout time.Duration

	// SkipWaitThreshold is the longest admission wait the manager absorbs
	// before moving on to the next candidate. Defaults to 200ms.
	SkipWaitThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.SkipWaitThreshold <= 0 {
		c.SkipWaitThreshold = 200 * time.Millisecond
	}
	return c
}

// Manager is the selection and failover core. Construct one per provider set
// and share it; all methods are safe for concurrent use.
type Manager struct {
	cfg       Config
	providers map[string]*provider
	order     []string // provider ids, sorted, for deterministic iteration

	transport jsonrpc.Transport
	limiters  *ratelimit.Registry
	breakers  *breaker.Registry
	stats     *stats.Collector

	log *zap.Logger
	now func() time.Time
}

// New builds a manager for the given provider set. Zero configured providers
// is a configuration error; duplicated ids and invalid provider configs are
// rejected. The collector may be nil if call outcomes need no aggregation.
func New(cfg Config, transport jsonrpc.Transport, collector *stats.Collector, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if transport == nil {
		return nil, fmt.Errorf("manager: transport is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("manager: at least one provider must be configured")
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:       cfg,
		providers: make(map[string]*provider, len(cfg.Providers)),
		transport: transport,
		limiters:  ratelimit.NewRegistry(),
		breakers:  breaker.NewRegistry(cfg.Breaker, log),
		stats:     collector,
		log:       log,
		now:       time.Now,
	}

	for i := range cfg.Providers {
		pc := cfg.Providers[i]
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("manager: %w", err)
		}
		if _, dup := m.providers[pc.ID]; dup {
			return nil, fmt.Errorf("manager: duplicate provider id %q", pc.ID)
		}

		m.providers[pc.ID] = newProvider(pc)
		m.order = append(m.order, pc.ID)
		m.breakers.Add(pc.ID)

		limits := cfg.Limits
		limits.BaseRate = pc.EffectiveRateLimit()
		limits.Burst = pc.EffectiveBurst()
		m.limiters.Add(pc.ID, limits)

		log.Info("provider registered",
			zap.String("provider", pc.ID),
			zap.String("kind", string(pc.Kind)),
			zap.String("url", pc.MaskedURL()),
			zap.Float64("rate_limit", pc.EffectiveRateLimit()),
			zap.Int("priority", pc.EffectivePriority()),
			zap.Bool("enabled", pc.Enabled))
	}
	sort.Strings(m.order)

	return m, nil
}

// Execute routes one JSON-RPC call. Candidates are tried in selection order
// until one succeeds; admission and transport failures fail over silently,
// non-retryable errors surface immediately, and running out of candidates
// returns an ExhaustionError with per-provider detail.
func (m *Manager) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	cands := m.candidates()

	var attempts []types.AttemptError
	var limited []limitedCandidate
	attempt := 0

	for _, c := range cands {
		if !m.breakers.CanAttempt(c.id) {
			attempts = append(attempts, types.AttemptError{
				ProviderID: c.id,
				Err:        types.NewCircuitOpenError(c.id).WithMethod(method),
			})
			continue
		}

		dec := m.limiters.Acquire(c.id)
		switch {
		case dec.Kind == ratelimit.Admitted:
		case dec.Kind == ratelimit.Wait && dec.Delay <= m.cfg.SkipWaitThreshold:
			if err := m.limiters.WaitAdmit(ctx, c.id); err != nil {
				attempts = append(attempts, types.AttemptError{
					ProviderID: c.id,
					Err:        admissionWaitError(c.id, method, err),
				})
				return nil, &types.ExhaustionError{Method: method, Attempts: attempts}
			}
		default:
			// Too long a wait to hold this call hostage; remember the
			// candidate in case everyone else is rate-limited too.
			limited = append(limited, limitedCandidate{candidate: c, delay: dec.Delay})
			continue
		}

		if !m.breakers.Allow(c.id) {
			attempts = append(attempts, types.AttemptError{
				ProviderID: c.id,
				Err:        types.NewCircuitOpenError(c.id).WithMethod(method),
			})
			continue
		}

		attempt++
		raw, rpcErr := m.call(ctx, m.providers[c.id], method, params, attempt)
		if rpcErr == nil {
			return raw, nil
		}
		attempts = append(attempts, types.AttemptError{ProviderID: c.id, Err: rpcErr})
		if !rpcErr.IsRetryable() {
			return nil, rpcErr
		}
	}

	// Every remaining candidate is rate-limited: wait for the one with the
	// soonest availability instead of failing the call outright.
	if len(limited) > 0 {
		sort.SliceStable(limited, func(i, j int) bool {
			return limited[i].waitKey() < limited[j].waitKey()
		})
		for _, lc := range limited {
			if err := m.limiters.WaitAdmit(ctx, lc.id); err != nil {
				attempts = append(attempts, types.AttemptError{
					ProviderID: lc.id,
					Err:        admissionWaitError(lc.id, method, err),
				})
				break
			}
			if !m.breakers.Allow(lc.id) {
				attempts = append(attempts, types.AttemptError{
					ProviderID: lc.id,
					Err:        types.NewCircuitOpenError(lc.id).WithMethod(method),
				})
				continue
			}

			attempt++
			raw, rpcErr := m.call(ctx, m.providers[lc.id], method, params, attempt)
			if rpcErr == nil {
				return raw, nil
			}
			attempts = append(attempts, types.AttemptError{ProviderID: lc.id, Err: rpcErr})
			if !rpcErr.IsRetryable() {
				return nil, rpcErr
			}
		}
	}

	return nil, &types.ExhaustionError{Method: method, Attempts: attempts}
}

// limitedCandidate is a candidate skipped because its admission wait exceeded
// the skip threshold.
type limitedCandidate struct {
	candidate
	delay time.Duration
}

// waitKey orders limited candidates by soonest availability. A Denied
// decision carries no delay estimate and sorts last.
func (lc limitedCandidate) waitKey() time.Duration {
	if lc.delay <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return lc.delay
}

// candidates returns enabled providers ordered by priority weight, then
// recent success rate, then average latency, tie-broken by consecutive
// failures and finally provider id for determinism.
func (m *Manager) candidates() []candidate {
	cands := make([]candidate, 0, len(m.order))
	for _, id := range m.order {
		if c, ok := m.providers[id].snapshot(); ok {
			cands = append(cands, c)
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.successRate != b.successRate {
			return a.successRate > b.successRate
		}
		if a.avgLatency != b.avgLatency {
			return a.avgLatency < b.avgLatency
		}
		if a.consecutiveFailures != b.consecutiveFailures {
			return a.consecutiveFailures < b.consecutiveFailures
		}
		return a.id < b.id
	})
	return cands
}

// call issues one network attempt and records its outcome into runtime
// state, the circuit breaker, the rate limiter, and the stats collector.
func (m *Manager) call(ctx context.Context, p *provider, method string, params any, attempt int) (json.RawMessage, *types.RpcError) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	start := m.now()
	raw, err := m.transport.Call(cctx, p.cfg.ID, p.cfg.URL, method, params)
	latency := m.now().Sub(start)
	now := m.now()

	if err == nil {
		p.recordSuccess(latency, now)
		m.breakers.RecordSuccess(p.cfg.ID)
		m.record(types.CallRecord{
			ProviderID: p.cfg.ID,
			Method:     method,
			Success:    true,
			Latency:    latency,
			Retried:    attempt > 1,
			Attempt:    attempt,
			Timestamp:  now,
		})
		return raw, nil
	}

	rpcErr := asRpcError(p.cfg.ID, method, err)
	if rpcErr.Code == types.ErrCodeRateLimit {
		m.limiters.RecordRateLimited(p.cfg.ID)
	}
	if rpcErr.CountsAgainstBreaker() {
		m.breakers.RecordFailure(p.cfg.ID)
	}
	p.recordFailure(rpcErr, latency, now)
	m.record(types.CallRecord{
		ProviderID:  p.cfg.ID,
		Method:      method,
		Success:     false,
		Latency:     latency,
		ErrorCode:   rpcErr.Code,
		ErrorMsg:    rpcErr.Message,
		Retried:     attempt > 1,
		Attempt:     attempt,
		RateLimited: rpcErr.Code == types.ErrCodeRateLimit,
		Timestamp:   now,
	})

	m.log.Debug("provider call failed",
		zap.String("provider", p.cfg.ID),
		zap.String("method", method),
		zap.String("code", string(rpcErr.Code)),
		zap.Duration("latency", latency),
		zap.Int("attempt", attempt))
	return nil, rpcErr
}

func (m *Manager) record(rec types.CallRecord) {
	if m.stats != nil {
		m.stats.Record(rec)
	}
}

// asRpcError normalizes a transport error into the taxonomy. The transport
// already returns *types.RpcError for everything; anything else is a
// programming error downgraded to an unknown-code failure.
func asRpcError(providerID, method string, err error) *types.RpcError {
	var rpcErr *types.RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return types.NewRpcError(providerID, types.ErrCodeUnknown, err.Error()).WithMethod(method).WithOriginalErr(err)
}

// admissionWaitError classifies a failed wait for rate-limiter admission.
// Besides the context's own errors this covers the limiter refusing a wait
// that would outlive the deadline, which is a timeout in all but name.
func admissionWaitError(providerID, method string, err error) *types.RpcError {
	if errors.Is(err, context.Canceled) {
		return types.NewNetworkError(providerID, "canceled awaiting rate-limiter admission").
			WithMethod(method).
			WithOriginalErr(err)
	}
	return types.NewTimeoutError(providerID, "timed out awaiting rate-limiter admission").
		WithMethod(method).
		WithOriginalErr(err)
}
