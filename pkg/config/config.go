// Package config loads and validates the kit's YAML configuration: the
// provider set with per-kind defaults and API-key indirection through
// environment variables, plus global rate-limit, circuit-breaker, transport,
// and stats settings. Validation failures are fatal at startup; a config
// with zero providers cannot serve a single call.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/jsonrpc"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/breaker"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/manager"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/ratelimit"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/stats"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// apiKeyPlaceholder marks where the resolved API key is substituted into a
// provider URL.
const apiKeyPlaceholder = "${API_KEY}"

// Provider is one provider entry as written in YAML. The URL may reference
// ${API_KEY}, resolved from the environment variable named by api_key_env so
// secrets stay out of config files.
type Provider struct {
	ID        string  `yaml:"id"`
	URL       string  `yaml:"url"`
	APIKeyEnv string  `yaml:"api_key_env"`
	Kind      string  `yaml:"kind"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	Priority  int     `yaml:"priority"`
	Enabled   *bool   `yaml:"enabled"`
}

// RateLimitSettings are the global limiter tunables applied to every
// provider; per-provider base rates come from the provider entries.
type RateLimitSettings struct {
	BackoffFactor    float64  `yaml:"backoff_factor"`
	FloorRate        float64  `yaml:"floor_rate"`
	RecoveryInterval Duration `yaml:"recovery_interval"`
	RecoveryStep     float64  `yaml:"recovery_step"`
	DenyAfter        Duration `yaml:"deny_after"`
}

// BreakerSettings tune every provider's circuit breaker.
type BreakerSettings struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	OpenDuration     Duration `yaml:"open_duration"`
	HalfOpenTrials   int      `yaml:"half_open_trials"`
	TrackingWindow   Duration `yaml:"tracking_window"`
}

// CallSettings bound individual call attempts.
type CallSettings struct {
	Timeout           Duration `yaml:"timeout"`
	SkipWaitThreshold Duration `yaml:"skip_wait_threshold"`
}

// StatsSettings tune the collector and its store. An empty path selects the
// in-memory store.
type StatsSettings struct {
	Path           string   `yaml:"path"`
	BufferSize     int      `yaml:"buffer_size"`
	FlushInterval  Duration `yaml:"flush_interval"`
	FlushThreshold int      `yaml:"flush_threshold"`
}

// BackendSettings configure the health/stats HTTP API. An empty address
// disables it.
type BackendSettings struct {
	Addr string `yaml:"addr"`
}

// Config is the full configuration file.
type Config struct {
	Providers []Provider        `yaml:"providers"`
	RateLimit RateLimitSettings `yaml:"rate_limit"`
	Breaker   BreakerSettings   `yaml:"circuit_breaker"`
	Call      CallSettings      `yaml:"call"`
	Stats     StatsSettings     `yaml:"stats"`
	Backend   BackendSettings   `yaml:"backend"`
}

// Load reads and validates a YAML configuration file. Unknown fields are
// rejected so typos fail loudly instead of silently using defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	if _, err := c.ProviderConfigs(); err != nil {
		return err
	}
	return nil
}

// ProviderConfigs resolves the YAML provider entries into validated provider
// configs with API keys substituted from the environment.
func (c *Config) ProviderConfigs() ([]types.ProviderConfig, error) {
	out := make([]types.ProviderConfig, 0, len(c.Providers))
	for i := range c.Providers {
		p := c.Providers[i]

		url, err := resolveURL(p)
		if err != nil {
			return nil, err
		}

		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}

		pc := types.ProviderConfig{
			ID:        p.ID,
			URL:       url,
			Kind:      types.ProviderKind(p.Kind),
			RateLimit: p.RateLimit,
			Burst:     p.Burst,
			Priority:  p.Priority,
			Enabled:   enabled,
		}
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		out = append(out, pc)
	}
	return out, nil
}

// resolveURL substitutes the provider's API key into its URL. Configs that
// name an api_key_env must both have the variable set and reference the
// placeholder; half-wired key indirection is a misconfiguration.
func resolveURL(p Provider) (string, error) {
	if p.APIKeyEnv == "" {
		if strings.Contains(p.URL, apiKeyPlaceholder) {
			return "", fmt.Errorf("config: provider %s: url references %s but api_key_env is not set", p.ID, apiKeyPlaceholder)
		}
		return p.URL, nil
	}

	key := os.Getenv(p.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("config: provider %s: environment variable %s is not set", p.ID, p.APIKeyEnv)
	}
	if !strings.Contains(p.URL, apiKeyPlaceholder) {
		return "", fmt.Errorf("config: provider %s: api_key_env is set but url does not reference %s", p.ID, apiKeyPlaceholder)
	}
	return strings.ReplaceAll(p.URL, apiKeyPlaceholder, key), nil
}

// ManagerConfig assembles the manager configuration from the resolved
// provider set and the global settings.
func (c *Config) ManagerConfig() (manager.Config, error) {
	providers, err := c.ProviderConfigs()
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Providers: providers,
		Breaker: breaker.Config{
			FailureThreshold: c.Breaker.FailureThreshold,
			OpenDuration:     c.Breaker.OpenDuration.Std(),
			HalfOpenTrials:   c.Breaker.HalfOpenTrials,
			TrackingWindow:   c.Breaker.TrackingWindow.Std(),
		},
		Limits: ratelimit.Config{
			BackoffFactor:    c.RateLimit.BackoffFactor,
			FloorRate:        c.RateLimit.FloorRate,
			RecoveryInterval: c.RateLimit.RecoveryInterval.Std(),
			RecoveryStep:     c.RateLimit.RecoveryStep,
			DenyAfter:        c.RateLimit.DenyAfter.Std(),
		},
		CallTimeout:       c.Call.Timeout.Std(),
		SkipWaitThreshold: c.Call.SkipWaitThreshold.Std(),
	}, nil
}

// StatsConfig assembles the collector configuration.
func (c *Config) StatsConfig() stats.Config {
	return stats.Config{
		BufferSize:     c.Stats.BufferSize,
		FlushInterval:  c.Stats.FlushInterval.Std(),
		FlushThreshold: c.Stats.FlushThreshold,
	}
}

// TransportConfig assembles the HTTP transport configuration.
func (c *Config) TransportConfig() jsonrpc.Config {
	return jsonrpc.Config{Timeout: c.Call.Timeout.Std()}
}
