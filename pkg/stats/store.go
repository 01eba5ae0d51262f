package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// methodKey identifies one provider/method aggregate row.
type methodKey struct {
	ProviderID string
	Method     string
}

// methodCounters are the merge-only aggregate values per provider/method.
type methodCounters struct {
	Calls        int64
	Errors       int64
	RateLimited  int64
	TotalLatency time.Duration
	MaxLatency   time.Duration
}

// bucketKey identifies one per-minute time bucket.
type bucketKey struct {
	Start      int64 // unix seconds, truncated to the minute
	ProviderID string
}

// Store persists call-outcome aggregates. It is written only by the
// collector's background flush and is append/merge-only; it is never read on
// the hot call path.
type Store interface {
	// SaveBatch merges a batch of call records into the aggregates for
	// the session.
	SaveBatch(ctx context.Context, sessionID string, records []types.CallRecord) error

	// MethodStats returns the merged per-provider/per-method aggregates
	// for the session.
	MethodStats(ctx context.Context, sessionID string) ([]types.MethodStats, error)

	// TimeBuckets returns per-minute buckets for the session starting at
	// or after since, ordered by bucket start.
	TimeBuckets(ctx context.Context, sessionID string, since time.Time) ([]types.TimeBucket, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	methods map[string]map[methodKey]*methodCounters
	buckets map[string]map[bucketKey]*methodCounters
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		methods: make(map[string]map[methodKey]*methodCounters),
		buckets: make(map[string]map[bucketKey]*methodCounters),
	}
}

// SaveBatch implements Store.
func (s *MemoryStore) SaveBatch(_ context.Context, sessionID string, records []types.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	methods := s.methods[sessionID]
	if methods == nil {
		methods = make(map[methodKey]*methodCounters)
		s.methods[sessionID] = methods
	}
	buckets := s.buckets[sessionID]
	if buckets == nil {
		buckets = make(map[bucketKey]*methodCounters)
		s.buckets[sessionID] = buckets
	}

	for _, rec := range records {
		mk := methodKey{ProviderID: rec.ProviderID, Method: rec.Method}
		mc := methods[mk]
		if mc == nil {
			mc = &methodCounters{}
			methods[mk] = mc
		}
		applyRecord(mc, rec)

		bk := bucketKey{Start: rec.Timestamp.Truncate(time.Minute).Unix(), ProviderID: rec.ProviderID}
		bc := buckets[bk]
		if bc == nil {
			bc = &methodCounters{}
			buckets[bk] = bc
		}
		applyRecord(bc, rec)
	}
	return nil
}

func applyRecord(c *methodCounters, rec types.CallRecord) {
	c.Calls++
	if !rec.Success {
		c.Errors++
	}
	if rec.RateLimited {
		c.RateLimited++
	}
	c.TotalLatency += rec.Latency
	if rec.Latency > c.MaxLatency {
		c.MaxLatency = rec.Latency
	}
}

// MethodStats implements Store.
func (s *MemoryStore) MethodStats(_ context.Context, sessionID string) ([]types.MethodStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := s.methods[sessionID]
	out := make([]types.MethodStats, 0, len(methods))
	for k, c := range methods {
		ms := types.MethodStats{
			ProviderID:   k.ProviderID,
			Method:       k.Method,
			Calls:        c.Calls,
			Errors:       c.Errors,
			RateLimited:  c.RateLimited,
			TotalLatency: c.TotalLatency,
		}
		if c.Calls > 0 {
			ms.AvgLatency = c.TotalLatency / time.Duration(c.Calls)
		}
		out = append(out, ms)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Method < out[j].Method
	})
	return out, nil
}

// TimeBuckets implements Store.
func (s *MemoryStore) TimeBuckets(_ context.Context, sessionID string, since time.Time) ([]types.TimeBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := since.Truncate(time.Minute).Unix()
	out := make([]types.TimeBucket, 0)
	for k, c := range s.buckets[sessionID] {
		if k.Start < cutoff {
			continue
		}
		out = append(out, types.TimeBucket{
			Start:       time.Unix(k.Start, 0).UTC(),
			ProviderID:  k.ProviderID,
			Calls:       c.Calls,
			Errors:      c.Errors,
			RateLimited: c.RateLimited,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
