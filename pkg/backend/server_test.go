package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// fakeManager implements the Manager surface with in-memory state.
type fakeManager struct {
	health   []types.ProviderHealth
	enabled  map[string]bool
	closed   []string
	resetAll bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		health: []types.ProviderHealth{
			{ID: "a", Kind: types.ProviderKindHelius, URL: "https://a.example.com/***", Enabled: true, CircuitState: types.CircuitClosed, SuccessRate: 0.99},
			{ID: "b", Kind: types.ProviderKindPublic, URL: "https://b.example.com", Enabled: true, CircuitState: types.CircuitOpen},
		},
		enabled: map[string]bool{"a": true, "b": true},
	}
}

func (f *fakeManager) Health() []types.ProviderHealth { return f.health }

func (f *fakeManager) ProviderHealth(id string) (types.ProviderHealth, error) {
	for _, h := range f.health {
		if h.ID == id {
			return h, nil
		}
	}
	return types.ProviderHealth{}, fmt.Errorf("unknown provider %q", id)
}

func (f *fakeManager) SetEnabled(id string, enabled bool) error {
	if _, ok := f.enabled[id]; !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	f.enabled[id] = enabled
	return nil
}

func (f *fakeManager) ForceCloseBreaker(id string) error {
	if _, ok := f.enabled[id]; !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeManager) ResetBreakers() { f.resetAll = true }

// fakeStats implements the Stats surface with canned data.
type fakeStats struct {
	snapshot *types.StatsSnapshot
	buckets  []types.TimeBucket
}

func (f *fakeStats) Snapshot(ctx context.Context) (*types.StatsSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeStats) TimeBuckets(ctx context.Context, since time.Time) ([]types.TimeBucket, error) {
	return f.buckets, nil
}

func newTestServer(mgr Manager, stats Stats) *Server {
	return NewServer(Config{Addr: "127.0.0.1:0"}, mgr, stats, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(newFakeManager(), nil)

	rec := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["providers"])
	assert.Equal(t, float64(1), body["available_providers"])
}

func TestHealthEndpoint_DegradedWhenNothingAvailable(t *testing.T) {
	mgr := newFakeManager()
	for i := range mgr.health {
		mgr.health[i].CircuitState = types.CircuitOpen
	}
	s := newTestServer(mgr, nil)

	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestListProviders_URLsAreMasked(t *testing.T) {
	s := newTestServer(newFakeManager(), nil)

	rec := do(t, s, http.MethodGet, "/api/providers")
	require.Equal(t, http.StatusOK, rec.Code)

	var health []types.ProviderHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Len(t, health, 2)
	assert.Equal(t, "https://a.example.com/***", health[0].URL)
	assert.NotContains(t, rec.Body.String(), "api-key")
}

func TestGetProvider(t *testing.T) {
	s := newTestServer(newFakeManager(), nil)

	rec := do(t, s, http.MethodGet, "/api/providers/a")
	require.Equal(t, http.StatusOK, rec.Code)

	var health types.ProviderHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "a", health.ID)

	rec = do(t, s, http.MethodGet, "/api/providers/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableDisableProvider(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(mgr, nil)

	rec := do(t, s, http.MethodPost, "/api/providers/a/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, mgr.enabled["a"])

	rec = do(t, s, http.MethodPost, "/api/providers/a/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mgr.enabled["a"])

	rec = do(t, s, http.MethodPost, "/api/providers/nope/disable")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerAdminRoutes(t *testing.T) {
	mgr := newFakeManager()
	s := newTestServer(mgr, nil)

	rec := do(t, s, http.MethodPost, "/api/providers/b/breaker/close")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"b"}, mgr.closed)

	rec = do(t, s, http.MethodPost, "/api/breakers/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mgr.resetAll)
}

func TestStatsRoutes(t *testing.T) {
	stats := &fakeStats{
		snapshot: &types.StatsSnapshot{SessionID: "s1", TotalCalls: 10, TotalErrors: 1, SuccessRate: 0.9},
		buckets:  []types.TimeBucket{{ProviderID: "a", Calls: 5}},
	}
	s := newTestServer(newFakeManager(), stats)

	rec := do(t, s, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"s1"`)

	rec = do(t, s, http.MethodGet, "/api/stats/buckets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"provider_id":"a"`)

	rec = do(t, s, http.MethodGet, "/api/stats/buckets?since="+strings.ReplaceAll(time.Now().Add(-time.Minute).Format(time.RFC3339), "+", "%2B"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/stats/buckets?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsRoutes_DisabledCollector(t *testing.T) {
	s := newTestServer(newFakeManager(), nil)

	rec := do(t, s, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/stats/buckets")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
