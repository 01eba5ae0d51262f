// Package stats buffers call outcomes off the hot path and periodically
// flushes merged aggregates to a persistent store. Recording never blocks a
// caller; readers query aggregated snapshots computed from the store, never
// the live buffer, so stats reads never contend with the call path.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// Config controls collector buffering and flushing.
type Config struct {
	// BufferSize caps the number of records waiting to be flushed.
	// Records beyond the cap are dropped (and counted). Defaults to 4096.
	BufferSize int

	// FlushInterval is the periodic flush cadence. Defaults to 5s.
	FlushInterval time.Duration

	// FlushThreshold flushes early once this many records are batched.
	// Defaults to 256.
	FlushThreshold int

	// HistogramSize is the per-provider/method latency sample window used
	// for percentiles. Defaults to 1000.
	HistogramSize int
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 256
	}
	if c.HistogramSize <= 0 {
		c.HistogramSize = 1000
	}
	return c
}

// Collector buffers CallRecords and flushes them to a Store in the
// background. Each collector owns one session id; aggregates in the store
// are keyed by it so historical sessions stay queryable.
type Collector struct {
	cfg       Config
	store     Store
	sessionID string
	log       *zap.Logger

	records chan types.CallRecord
	dropped atomic.Int64

	totalCalls  atomic.Int64
	totalErrors atomic.Int64

	histMu sync.RWMutex
	hists  map[methodKey]*histogram

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCollector creates a collector and starts its background flush task.
// The task owns its own wake-up timer and exits cleanly on Close with a
// guaranteed final flush.
func NewCollector(store Store, cfg Config, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	c := &Collector{
		cfg:       cfg,
		store:     store,
		sessionID: uuid.NewString(),
		log:       log,
		records:   make(chan types.CallRecord, cfg.BufferSize),
		hists:     make(map[methodKey]*histogram),
		done:      make(chan struct{}),
	}

	c.wg.Add(1)
	go c.run()
	return c
}

// SessionID returns the collector's session id.
func (c *Collector) SessionID() string {
	return c.sessionID
}

// Record enqueues a call outcome. It never blocks: when the buffer is full
// the record is dropped and counted, keeping the call path fast even if the
// store stalls.
func (c *Collector) Record(rec types.CallRecord) {
	select {
	case c.records <- rec:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of records dropped due to a full buffer.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// Snapshot assembles the aggregated view for this session from the store,
// with percentiles from the in-memory latency windows.
func (c *Collector) Snapshot(ctx context.Context) (*types.StatsSnapshot, error) {
	byMethod, err := c.store.MethodStats(ctx, c.sessionID)
	if err != nil {
		return nil, err
	}

	c.histMu.RLock()
	for i := range byMethod {
		k := methodKey{ProviderID: byMethod[i].ProviderID, Method: byMethod[i].Method}
		if h, ok := c.hists[k]; ok {
			byMethod[i].P95Latency = h.Percentile(95)
		}
	}
	c.histMu.RUnlock()

	snap := &types.StatsSnapshot{
		SessionID:   c.sessionID,
		TotalCalls:  c.totalCalls.Load(),
		TotalErrors: c.totalErrors.Load(),
		Dropped:     c.dropped.Load(),
		ByMethod:    byMethod,
		GeneratedAt: time.Now().UTC(),
	}
	if snap.TotalCalls > 0 {
		snap.SuccessRate = float64(snap.TotalCalls-snap.TotalErrors) / float64(snap.TotalCalls)
	}
	return snap, nil
}

// TimeBuckets returns per-minute buckets for this session.
func (c *Collector) TimeBuckets(ctx context.Context, since time.Time) ([]types.TimeBucket, error) {
	return c.store.TimeBuckets(ctx, c.sessionID, since)
}

// Close stops the background task, waiting for the final flush or the
// context deadline, whichever comes first.
func (c *Collector) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the background flush loop.
func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]types.CallRecord, 0, c.cfg.FlushThreshold)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-c.records:
			batch = append(batch, rec)
			if len(batch) >= c.cfg.FlushThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-c.done:
			// Drain whatever was recorded before shutdown.
			for {
				select {
				case rec := <-c.records:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush merges one batch into the store and the latency windows.
func (c *Collector) flush(batch []types.CallRecord) {
	for _, rec := range batch {
		c.totalCalls.Add(1)
		if !rec.Success {
			c.totalErrors.Add(1)
		}
		if rec.Success {
			k := methodKey{ProviderID: rec.ProviderID, Method: rec.Method}
			c.histMu.Lock()
			h, ok := c.hists[k]
			if !ok {
				h = newHistogram(c.cfg.HistogramSize)
				c.hists[k] = h
			}
			c.histMu.Unlock()
			h.Add(rec.Latency)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.SaveBatch(ctx, c.sessionID, batch); err != nil {
		c.log.Warn("stats flush failed",
			zap.String("session", c.sessionID),
			zap.Int("records", len(batch)),
			zap.Error(err))
	}
}
