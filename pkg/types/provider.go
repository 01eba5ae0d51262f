package types

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderKind identifies the class of RPC endpoint a provider belongs to.
// The set is closed: adding a new kind requires extending the constants below
// and the switches in DefaultRateLimit and DefaultPriority, so a forgotten
// mapping fails validation instead of silently falling back at runtime.
type ProviderKind string

const (
	// ProviderKindHelius is a Helius dedicated/shared RPC endpoint.
	ProviderKindHelius ProviderKind = "helius"
	// ProviderKindQuickNode is a QuickNode endpoint.
	ProviderKindQuickNode ProviderKind = "quicknode"
	// ProviderKindTriton is a Triton One (RPC Pool) endpoint.
	ProviderKindTriton ProviderKind = "triton"
	// ProviderKindPublic is a public, unauthenticated cluster endpoint.
	// Public endpoints are heavily throttled and used only as a last resort.
	ProviderKindPublic ProviderKind = "public"
	// ProviderKindCustom is a self-hosted or otherwise unclassified endpoint.
	ProviderKindCustom ProviderKind = "custom"
)

// AllProviderKinds lists every supported provider kind.
var AllProviderKinds = []ProviderKind{
	ProviderKindHelius,
	ProviderKindQuickNode,
	ProviderKindTriton,
	ProviderKindPublic,
	ProviderKindCustom,
}

// Valid reports whether the kind is one of the supported constants.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKindHelius, ProviderKindQuickNode, ProviderKindTriton,
		ProviderKindPublic, ProviderKindCustom:
		return true
	}
	return false
}

// DefaultRateLimit returns the default base rate (requests per second) for
// the kind, used when a provider config does not set one explicitly.
func (k ProviderKind) DefaultRateLimit() float64 {
	switch k {
	case ProviderKindHelius:
		return 50
	case ProviderKindQuickNode:
		return 25
	case ProviderKindTriton:
		return 40
	case ProviderKindPublic:
		return 5
	case ProviderKindCustom:
		return 10
	default:
		return 0
	}
}

// DefaultPriority returns the default selection priority weight for the kind.
// Higher values are preferred by the provider manager.
func (k ProviderKind) DefaultPriority() int {
	switch k {
	case ProviderKindHelius:
		return 100
	case ProviderKindTriton:
		return 90
	case ProviderKindQuickNode:
		return 80
	case ProviderKindCustom:
		return 50
	case ProviderKindPublic:
		return 10
	default:
		return 0
	}
}

// ProviderConfig describes a single configured RPC endpoint. It is immutable
// once loaded; changing the provider set requires rebuilding the manager.
type ProviderConfig struct {
	// ID uniquely identifies the provider within the configured set.
	ID string `json:"id" yaml:"id"`

	// URL is the JSON-RPC endpoint, typically carrying an API key in its
	// path or query string. It is a secret: use MaskedURL for anything
	// that leaves the process.
	URL string `json:"-" yaml:"url"`

	// Kind classifies the endpoint and supplies defaults.
	Kind ProviderKind `json:"kind" yaml:"kind"`

	// RateLimit is the base admission rate in requests per second.
	// Zero means the kind's default.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// Burst is the token-bucket burst size. Zero means max(1, RateLimit).
	Burst int `json:"burst" yaml:"burst"`

	// Priority is the selection weight; higher is preferred.
	// Zero means the kind's default.
	Priority int `json:"priority" yaml:"priority"`

	// Enabled gates the provider in and out of selection.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Validate checks the config for structural problems.
func (c *ProviderConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.URL == "" {
		return fmt.Errorf("provider %s: url is required", c.ID)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("provider %s: unknown kind %q", c.ID, c.Kind)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("provider %s: rate_limit must not be negative", c.ID)
	}
	if c.Priority < 0 {
		return fmt.Errorf("provider %s: priority must not be negative", c.ID)
	}
	return nil
}

// EffectiveRateLimit returns the configured rate limit or the kind default.
func (c *ProviderConfig) EffectiveRateLimit() float64 {
	if c.RateLimit > 0 {
		return c.RateLimit
	}
	return c.Kind.DefaultRateLimit()
}

// EffectiveBurst returns the configured burst or a default derived from the
// effective rate limit.
func (c *ProviderConfig) EffectiveBurst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	if b := int(c.EffectiveRateLimit()); b > 1 {
		return b
	}
	return 1
}

// EffectivePriority returns the configured priority or the kind default.
func (c *ProviderConfig) EffectivePriority() int {
	if c.Priority > 0 {
		return c.Priority
	}
	return c.Kind.DefaultPriority()
}

// MaskedURL returns the provider URL with credentials stripped, safe for
// logs and externally visible snapshots. Userinfo, query values, and any
// path segments past the host are replaced.
func (c *ProviderConfig) MaskedURL() string {
	return MaskURL(c.URL)
}

// MaskURL redacts the secret-bearing parts of an RPC endpoint URL.
// API keys commonly appear as a path segment ("/v2/<key>") or a query
// parameter ("?api-key=<key>"), so everything beyond scheme and host is
// masked rather than trying to guess the key's location.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid-url>"
	}

	masked := u.Scheme + "://" + u.Host
	if p := strings.Trim(u.Path, "/"); p != "" {
		masked += "/***"
	}
	if u.RawQuery != "" {
		masked += "?***"
	}
	return masked
}
