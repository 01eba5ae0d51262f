package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// RetryConfig bounds the outer retry loop around Execute. Execute itself
// already fails over across providers; the outer loop covers the case where
// an entire round exhausted and the caller wants to wait out a transient
// outage instead of failing immediately.
type RetryConfig struct {
	// MaxAttempts is the total number of Execute rounds. Defaults to 3.
	MaxAttempts int

	// InitialInterval is the first jittered delay between rounds.
	// Defaults to 500ms.
	InitialInterval time.Duration

	// MaxInterval caps the delay between rounds. Defaults to 5s.
	MaxInterval time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

// ExecuteWithRetry wraps Execute in a bounded exponential-backoff loop with
// jittered delays. Non-retryable errors stop the loop immediately; exhaustion
// and other retryable failures are retried until the attempt budget runs out.
func (m *Manager) ExecuteWithRetry(ctx context.Context, method string, params any, rc RetryConfig) (json.RawMessage, error) {
	rc = rc.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rc.InitialInterval
	bo.MaxInterval = rc.MaxInterval

	var result json.RawMessage
	op := func() error {
		raw, err := m.Execute(ctx, method, params)
		if err == nil {
			result = raw
			return nil
		}

		var exh *types.ExhaustionError
		if errors.As(err, &exh) {
			// A whole round exhausted; worth waiting out a transient outage.
			return err
		}
		var rpcErr *types.RpcError
		if errors.As(err, &rpcErr) && !rpcErr.IsRetryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(rc.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}
