package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencyTracker keeps a bounded window of heartbeat round-trip times and
// summarizes them for the status API. Old samples fall off the window.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64 // seconds, ring buffer
	next    int
	filled  bool
}

// LatencySummary describes the recent round-trip distribution.
type LatencySummary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	Max    float64 `json:"max_ms"`
}

// NewLatencyTracker creates a tracker holding the last size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 128
	}
	return &LatencyTracker{samples: make([]float64, size)}
}

// Observe records one round-trip sample.
func (t *LatencyTracker) Observe(rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples[t.next] = rtt.Seconds()
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.filled = true
	}
}

// Summary computes distribution statistics over the current window.
// Returns a zero summary when no samples have been observed.
func (t *LatencyTracker) Summary() LatencySummary {
	t.mu.Lock()
	n := t.next
	if t.filled {
		n = len(t.samples)
	}
	window := make([]float64, n)
	copy(window, t.samples[:n])
	t.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}

	sorted := make([]float64, n)
	copy(sorted, window)
	sort.Float64s(sorted)

	summary := LatencySummary{
		Count: n,
		Mean:  toMillis(stat.Mean(window, nil)),
		P50:   toMillis(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		P95:   toMillis(stat.Quantile(0.95, stat.Empirical, sorted, nil)),
		Max:   toMillis(sorted[n-1]),
	}
	if n > 1 {
		summary.StdDev = toMillis(stat.StdDev(window, nil))
	}
	return summary
}

func toMillis(seconds float64) float64 {
	return seconds * 1000
}
