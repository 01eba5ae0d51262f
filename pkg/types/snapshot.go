package types

import "time"

// CircuitState mirrors the breaker state for read-only health snapshots.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderHealth is a read-only view of a single provider's live state,
// assembled by the manager for dashboards and the admin API. It is derived
// from runtime state and never feeds back into selection.
type ProviderHealth struct {
	ID                   string        `json:"id"`
	Kind                 ProviderKind  `json:"kind"`
	URL                  string        `json:"url"` // masked
	Enabled              bool          `json:"enabled"`
	Priority             int           `json:"priority"`
	CircuitState         CircuitState  `json:"circuit_state"`
	TotalCalls           int64         `json:"total_calls"`
	TotalErrors          int64         `json:"total_errors"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	SuccessRate          float64       `json:"success_rate"`
	AvgLatency           time.Duration `json:"avg_latency"`
	EffectiveRate        float64       `json:"effective_rate"`
	BaseRate             float64       `json:"base_rate"`
	RateLimitHits        int64         `json:"rate_limit_hits"`
	LastSuccess          time.Time     `json:"last_success,omitempty"`
	LastFailure          time.Time     `json:"last_failure,omitempty"`
	LastError            string        `json:"last_error,omitempty"`
}

// MethodStats aggregates outcomes for a single provider/method pair.
type MethodStats struct {
	ProviderID   string        `json:"provider_id"`
	Method       string        `json:"method"`
	Calls        int64         `json:"calls"`
	Errors       int64         `json:"errors"`
	RateLimited  int64         `json:"rate_limited"`
	TotalLatency time.Duration `json:"total_latency"`
	AvgLatency   time.Duration `json:"avg_latency"`
	P95Latency   time.Duration `json:"p95_latency"`
}

// TimeBucket holds per-minute call counts for calls-per-minute charts.
type TimeBucket struct {
	Start       time.Time `json:"start"`
	ProviderID  string    `json:"provider_id"`
	Calls       int64     `json:"calls"`
	Errors      int64     `json:"errors"`
	RateLimited int64     `json:"rate_limited"`
}

// StatsSnapshot is the aggregated, read-only view computed from persisted
// call records. It is never a source of truth for provider selection.
type StatsSnapshot struct {
	SessionID   string        `json:"session_id"`
	TotalCalls  int64         `json:"total_calls"`
	TotalErrors int64         `json:"total_errors"`
	SuccessRate float64       `json:"success_rate"`
	Dropped     int64         `json:"dropped_records"`
	ByMethod    []MethodStats `json:"by_method"`
	GeneratedAt time.Time     `json:"generated_at"`
}
