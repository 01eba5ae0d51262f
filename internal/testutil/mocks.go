// Package testutil provides shared testing utilities and mocks for use
// across the rpc-provider-kit test suite.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// scriptedResult is one pre-programmed transport outcome.
type scriptedResult struct {
	result json.RawMessage
	err    error
}

// ScriptedTransport is a mock JSON-RPC transport whose per-provider behavior
// is programmed ahead of time. Scripted results are consumed front to back;
// once a provider's script runs out its Always result (if set) repeats.
// Unscripted calls fail loudly so tests cannot pass by accident.
type ScriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]scriptedResult
	always  map[string]scriptedResult
	delays  map[string]time.Duration
	calls   map[string]int
	methods []string
}

// NewScriptedTransport creates an empty scripted transport.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		scripts: make(map[string][]scriptedResult),
		always:  make(map[string]scriptedResult),
		delays:  make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

// Script appends one outcome to the provider's script.
func (t *ScriptedTransport) Script(providerID string, result json.RawMessage, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[providerID] = append(t.scripts[providerID], scriptedResult{result: result, err: err})
}

// Always sets the outcome returned once the provider's script is exhausted.
func (t *ScriptedTransport) Always(providerID string, result json.RawMessage, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.always[providerID] = scriptedResult{result: result, err: err}
}

// SetDelay makes every call to the provider take the given time, honoring
// context cancellation, to simulate a slow endpoint.
func (t *ScriptedTransport) SetDelay(providerID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays[providerID] = d
}

// CallCount returns how many calls the provider has received.
func (t *ScriptedTransport) CallCount(providerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[providerID]
}

// TotalCalls returns the number of calls across all providers.
func (t *ScriptedTransport) TotalCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.calls {
		total += n
	}
	return total
}

// Methods returns the method names seen, in call order.
func (t *ScriptedTransport) Methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.methods))
	copy(out, t.methods)
	return out
}

// Call implements the transport interface against the programmed script.
func (t *ScriptedTransport) Call(ctx context.Context, providerID, endpoint, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	t.calls[providerID]++
	t.methods = append(t.methods, method)
	delay := t.delays[providerID]

	var res scriptedResult
	if queue := t.scripts[providerID]; len(queue) > 0 {
		res = queue[0]
		t.scripts[providerID] = queue[1:]
	} else if a, ok := t.always[providerID]; ok {
		res = a
	} else {
		res = scriptedResult{err: types.NewNetworkError(providerID, "no scripted response").WithMethod(method)}
	}
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, types.NewTimeoutError(providerID, "call timed out").WithMethod(method).WithOriginalErr(ctx.Err())
			}
			return nil, types.NewNetworkError(providerID, "call canceled").WithMethod(method).WithOriginalErr(ctx.Err())
		}
	}

	if res.err != nil {
		return nil, res.err
	}
	return res.result, nil
}
