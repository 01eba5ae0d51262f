package types

import "time"

// CallRecord is an immutable value produced for every call attempt. It is
// consumed by the stats collector and never retained by the manager; provider
// selection reads live runtime state instead.
type CallRecord struct {
	ProviderID  string        `json:"provider_id"`
	Method      string        `json:"method"`
	Success     bool          `json:"success"`
	Latency     time.Duration `json:"latency"`
	ErrorCode   ErrorCode     `json:"error_code,omitempty"`
	ErrorMsg    string        `json:"error_msg,omitempty"`
	Retried     bool          `json:"retried"`
	Attempt     int           `json:"attempt"`
	RateLimited bool          `json:"rate_limited"`
	Timestamp   time.Time     `json:"timestamp"`
}
