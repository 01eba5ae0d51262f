package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/rpc-provider-kit/internal/testutil"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/breaker"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/stats"
	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

var okResult = json.RawMessage(`{"value":42}`)

func testProviderSet() []types.ProviderConfig {
	return []types.ProviderConfig{
		{ID: "a", URL: "https://a.example.com/v2/secret-key-a", Kind: types.ProviderKindCustom, RateLimit: 100, Priority: 90, Enabled: true},
		{ID: "b", URL: "https://b.example.com/v2/secret-key-b", Kind: types.ProviderKindCustom, RateLimit: 100, Priority: 80, Enabled: true},
		{ID: "c", URL: "https://c.example.com/v2/secret-key-c", Kind: types.ProviderKindCustom, RateLimit: 100, Priority: 70, Enabled: true},
	}
}

func newTestManager(t *testing.T, tr *testutil.ScriptedTransport, cfg Config) *Manager {
	t.Helper()
	if cfg.Providers == nil {
		cfg.Providers = testProviderSet()
	}
	m, err := New(cfg, tr, nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tr := testutil.NewScriptedTransport()

	_, err := New(Config{}, tr, nil, zap.NewNop())
	assert.ErrorContains(t, err, "at least one provider")

	_, err = New(Config{Providers: testProviderSet()}, nil, nil, zap.NewNop())
	assert.ErrorContains(t, err, "transport is required")

	dup := testProviderSet()
	dup[1].ID = "a"
	_, err = New(Config{Providers: dup}, tr, nil, zap.NewNop())
	assert.ErrorContains(t, err, "duplicate provider id")

	bad := testProviderSet()
	bad[0].Kind = "mystery"
	_, err = New(Config{Providers: bad}, tr, nil, zap.NewNop())
	assert.ErrorContains(t, err, "unknown kind")
}

func TestExecute_PrefersHighestPriority(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", okResult, nil)
	tr.Always("b", okResult, nil)
	m := newTestManager(t, tr, Config{})

	raw, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(okResult), string(raw))
	assert.Equal(t, 1, tr.CallCount("a"))
	assert.Zero(t, tr.CallCount("b"))
}

func TestExecute_FailsOverOnTimeout(t *testing.T) {
	store := stats.NewMemoryStore()
	collector := stats.NewCollector(store, stats.Config{FlushThreshold: 1, FlushInterval: time.Hour}, zap.NewNop())

	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewTimeoutError("a", "call timed out"))
	tr.Always("b", okResult, nil)

	m, err := New(Config{Providers: testProviderSet()[:2]}, tr, collector, zap.NewNop())
	require.NoError(t, err)

	raw, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(okResult), string(raw))

	// One record marks the timeout, one marks the success.
	require.NoError(t, collector.Close(context.Background()))
	recorded, err := store.MethodStats(context.Background(), collector.SessionID())
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, "a", recorded[0].ProviderID)
	assert.Equal(t, int64(1), recorded[0].Calls)
	assert.Equal(t, int64(1), recorded[0].Errors)
	assert.Equal(t, "b", recorded[1].ProviderID)
	assert.Equal(t, int64(1), recorded[1].Calls)
	assert.Zero(t, recorded[1].Errors)
}

func TestExecute_BreakerOpensAndRecovers(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewNetworkError("a", "connection refused"))
	tr.Always("b", okResult, nil)
	tr.Always("c", okResult, nil)

	m := newTestManager(t, tr, Config{
		Breaker: breaker.Config{FailureThreshold: 3, OpenDuration: 50 * time.Millisecond, HalfOpenTrials: 2},
	})

	// Three failed rounds open a's breaker; each round still succeeds via b.
	for i := 0; i < 3; i++ {
		raw, err := m.Execute(context.Background(), "getBalance", nil)
		require.NoError(t, err)
		assert.JSONEq(t, string(okResult), string(raw))
	}
	require.Equal(t, breaker.Open, m.breakers.State("a"))
	require.Equal(t, 3, tr.CallCount("a"))

	// While open, a receives no traffic.
	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.CallCount("a"))

	// After the open duration, two successful trial calls close it again.
	time.Sleep(60 * time.Millisecond)
	tr.Always("a", okResult, nil)
	for i := 0; i < 2; i++ {
		raw, err := m.Execute(context.Background(), "getBalance", nil)
		require.NoError(t, err)
		assert.JSONEq(t, string(okResult), string(raw))
	}
	assert.Equal(t, breaker.Closed, m.breakers.State("a"))
	assert.Equal(t, 5, tr.CallCount("a"))
}

func TestExecute_NonRetryableSurfacesImmediately(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewRPCResponseError("a", -32602, "invalid params"))
	tr.Always("b", okResult, nil)
	m := newTestManager(t, tr, Config{})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	var rpcErr *types.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, types.ErrCodeRPC, rpcErr.Code)
	assert.Zero(t, tr.CallCount("b"), "a bad request must not fail over")
}

func TestExecute_ExhaustionCarriesPerProviderDetail(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewNetworkError("a", "connection refused"))
	tr.Always("b", nil, types.NewTimeoutError("b", "call timed out"))

	m := newTestManager(t, tr, Config{Providers: testProviderSet()[:2]})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	var exh *types.ExhaustionError
	require.ErrorAs(t, err, &exh)
	require.Len(t, exh.Attempts, 2)
	assert.Equal(t, "a", exh.Attempts[0].ProviderID)
	assert.Equal(t, types.ErrCodeNetwork, exh.Attempts[0].Err.Code)
	assert.Equal(t, "b", exh.Attempts[1].ProviderID)
	assert.Equal(t, types.ErrCodeTimeout, exh.Attempts[1].Err.Code)
}

func TestExecute_AllBreakersOpenShortCircuits(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewNetworkError("a", "connection refused"))
	tr.Always("b", nil, types.NewNetworkError("b", "connection refused"))

	m := newTestManager(t, tr, Config{
		Providers: testProviderSet()[:2],
		Breaker:   breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour},
	})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	var exh *types.ExhaustionError
	require.ErrorAs(t, err, &exh)
	before := tr.TotalCalls()

	// Every breaker is now open: no network attempts, circuit-open detail.
	_, err = m.Execute(context.Background(), "getBalance", nil)
	require.ErrorAs(t, err, &exh)
	require.Len(t, exh.Attempts, 2)
	for _, a := range exh.Attempts {
		assert.Equal(t, types.ErrCodeCircuitOpen, a.Err.Code)
	}
	assert.Equal(t, before, tr.TotalCalls())
}

func TestExecute_RateLimitFeedsLimiterNotBreaker(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewRateLimitError("a", 1))
	tr.Always("b", okResult, nil)
	m := newTestManager(t, tr, Config{})

	raw, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(okResult), string(raw))

	assert.Equal(t, breaker.Closed, m.breakers.State("a"), "rate limiting is backpressure, not a health signal")
	assert.Less(t, m.limiters.EffectiveRate("a"), 100.0)

	health, err := m.ProviderHealth("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), health.RateLimitHits)
}

func TestExecute_WaitsWhenAllCandidatesRateLimited(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", okResult, nil)

	providers := []types.ProviderConfig{
		{ID: "a", URL: "https://a.example.com/v2/key", Kind: types.ProviderKindCustom, RateLimit: 5, Burst: 1, Enabled: true},
	}
	m := newTestManager(t, tr, Config{Providers: providers, SkipWaitThreshold: 50 * time.Millisecond})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)

	// The bucket is empty; the next admission is ~200ms out, past the skip
	// threshold, so the call waits for the soonest availability.
	start := time.Now()
	_, err = m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 2, tr.CallCount("a"))
}

func TestExecute_SlowProviderDoesNotBlockOthers(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", okResult, nil)
	tr.Always("b", okResult, nil)
	tr.SetDelay("a", 300*time.Millisecond)

	m := newTestManager(t, tr, Config{Providers: testProviderSet()[:2]})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.Execute(context.Background(), "getBalance", nil)
		assert.NoError(t, err)
	}()

	// Route the second call to b while a is still in flight.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.SetEnabled("a", false))

	start := time.Now()
	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "call to b must not wait on a")
	assert.Equal(t, 1, tr.CallCount("b"))

	wg.Wait()
}

func TestExecute_DisabledProviderSkipped(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("b", okResult, nil)
	m := newTestManager(t, tr, Config{})

	require.NoError(t, m.SetEnabled("a", false))
	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)
	assert.Zero(t, tr.CallCount("a"))
	assert.Equal(t, 1, tr.CallCount("b"))

	assert.ErrorContains(t, m.SetEnabled("nope", true), "unknown provider")
}

func TestHealth_SnapshotsAreMaskedAndSorted(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", okResult, nil)
	tr.SetDelay("a", 2*time.Millisecond)
	m := newTestManager(t, tr, Config{})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)

	health := m.Health()
	require.Len(t, health, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{health[0].ID, health[1].ID, health[2].ID})

	a := health[0]
	assert.Equal(t, "https://a.example.com/***", a.URL, "the api key must never appear in health output")
	assert.Equal(t, int64(1), a.TotalCalls)
	assert.Equal(t, 1.0, a.SuccessRate)
	assert.Equal(t, types.CircuitClosed, a.CircuitState)
	assert.Equal(t, 100.0, a.BaseRate)
	assert.Greater(t, a.AvgLatency, time.Duration(0))

	_, err = m.ProviderHealth("nope")
	assert.ErrorContains(t, err, "unknown provider")
}

func TestBreakerAdminOperations(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", nil, types.NewNetworkError("a", "connection refused"))
	tr.Always("b", nil, types.NewNetworkError("b", "connection refused"))
	tr.Always("c", okResult, nil)

	m := newTestManager(t, tr, Config{Breaker: breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour}})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err, "c still succeeds")
	require.Equal(t, breaker.Open, m.breakers.State("a"))
	require.Equal(t, breaker.Open, m.breakers.State("b"))

	require.NoError(t, m.ForceCloseBreaker("a"))
	assert.Equal(t, breaker.Closed, m.breakers.State("a"))
	assert.ErrorContains(t, m.ForceCloseBreaker("nope"), "unknown provider")

	m.ResetBreakers()
	assert.Equal(t, breaker.Closed, m.breakers.State("b"))
}

func TestExecute_ContextCancellationStopsAdmissionWait(t *testing.T) {
	tr := testutil.NewScriptedTransport()
	tr.Always("a", okResult, nil)

	providers := []types.ProviderConfig{
		{ID: "a", URL: "https://a.example.com/v2/key", Kind: types.ProviderKindCustom, RateLimit: 0.5, Burst: 1, Enabled: true},
	}
	m := newTestManager(t, tr, Config{Providers: providers})

	_, err := m.Execute(context.Background(), "getBalance", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Execute(ctx, "getBalance", nil)

	var exh *types.ExhaustionError
	require.ErrorAs(t, err, &exh)
	require.NotEmpty(t, exh.Attempts)
	assert.Equal(t, types.ErrCodeTimeout, exh.Attempts[len(exh.Attempts)-1].Err.Code)
}
