package stats

import (
	"sort"
	"sync"
	"time"
)

// histogram is a circular buffer of latency samples used to compute
// percentiles. Counters live in the store; only the sample window for
// percentile math is held in memory.
type histogram struct {
	mu       sync.RWMutex
	samples  []time.Duration
	capacity int
	index    int
	count    int64
}

func newHistogram(sampleSize int) *histogram {
	if sampleSize <= 0 {
		sampleSize = 1000
	}
	return &histogram{
		samples:  make([]time.Duration, sampleSize),
		capacity: sampleSize,
	}
}

func (h *histogram) Add(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples[h.index] = latency
	h.index = (h.index + 1) % h.capacity
	h.count++
}

// Percentile returns the value at the given percentile using linear
// interpolation between closest ranks. Returns 0 with no samples.
func (h *histogram) Percentile(p int) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := int(h.count)
	if n > h.capacity {
		n = h.capacity
	}
	if n == 0 {
		return 0
	}

	sorted := make([]time.Duration, n)
	copy(sorted, h.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if p >= 100 {
		return sorted[n-1]
	}
	if p <= 0 {
		return sorted[0]
	}

	rank := float64(p) / 100.0 * float64(n-1)
	lower := int(rank)
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}

	fraction := rank - float64(lower)
	return time.Duration(float64(sorted[lower]) + fraction*float64(sorted[upper]-sorted[lower]))
}
