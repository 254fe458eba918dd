// Package metrics provides performance instrumentation for arbor.
//
// Two kinds of metrics are collected in-memory with atomic operations:
//   - timings for the hot paths (tree splices, list splices, refreshes)
//   - counters for pool and coalescing behaviour (row cache hits/misses,
//     shared children fetches)
//
// Collection is enabled by default but can be disabled via ARBOR_METRICS=0.
//
// Usage:
//
//	func (m *IndexTreeModel[T]) Splice(...) {
//	    defer metrics.Timer(metrics.TreeSplice)()
//	    // ...
//	}
package metrics

import (
	"os"
	"sync/atomic"
	"time"
)

var enabled atomic.Bool

func init() {
	enabled.Store(os.Getenv("ARBOR_METRICS") != "0")
}

// Enabled returns whether metrics collection is enabled.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled allows programmatic control of metrics collection.
func SetEnabled(e bool) {
	enabled.Store(e)
}

// TimingMetric tracks timing statistics for a named operation.
// All methods are safe for concurrent use.
type TimingMetric struct {
	name    string
	count   atomic.Int64
	totalNs atomic.Int64
	maxNs   atomic.Int64
	minNs   atomic.Int64 // 0 means not set
}

func newTimingMetric(name string) *TimingMetric {
	return &TimingMetric{name: name}
}

// Record records a single timing measurement.
func (m *TimingMetric) Record(d time.Duration) {
	if !enabled.Load() {
		return
	}
	ns := d.Nanoseconds()

	m.count.Add(1)
	m.totalNs.Add(ns)

	for {
		old := m.maxNs.Load()
		if ns <= old || m.maxNs.CompareAndSwap(old, ns) {
			break
		}
	}

	for {
		old := m.minNs.Load()
		if old != 0 && ns >= old {
			break
		}
		if m.minNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// Name returns the metric name.
func (m *TimingMetric) Name() string {
	return m.name
}

// Count returns the number of recorded measurements.
func (m *TimingMetric) Count() int64 {
	return m.count.Load()
}

// Stats returns all timing statistics at once.
func (m *TimingMetric) Stats() TimingStats {
	count := m.count.Load()
	totalNs := m.totalNs.Load()

	var avgNs int64
	if count > 0 {
		avgNs = totalNs / count
	}

	return TimingStats{
		Name:    m.name,
		Count:   count,
		TotalMs: float64(totalNs) / 1e6,
		AvgMs:   float64(avgNs) / 1e6,
		MaxMs:   float64(m.maxNs.Load()) / 1e6,
		MinMs:   float64(m.minNs.Load()) / 1e6,
	}
}

// Reset clears all recorded measurements.
func (m *TimingMetric) Reset() {
	m.count.Store(0)
	m.totalNs.Store(0)
	m.maxNs.Store(0)
	m.minNs.Store(0)
}

// TimingStats holds a snapshot of timing statistics.
type TimingStats struct {
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
	MaxMs   float64 `json:"max_ms"`
	MinMs   float64 `json:"min_ms,omitempty"`
}

// Timer returns a function that records elapsed time when called.
//
//	defer metrics.Timer(metrics.RefreshNode)()
func Timer(m *TimingMetric) func() {
	if !enabled.Load() || m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.Record(time.Since(start))
	}
}

// CounterMetric is a monotonically increasing event count.
type CounterMetric struct {
	name  string
	value atomic.Int64
}

func newCounterMetric(name string) *CounterMetric {
	return &CounterMetric{name: name}
}

// Inc adds one to the counter.
func (c *CounterMetric) Inc() {
	if !enabled.Load() {
		return
	}
	c.value.Add(1)
}

// Name returns the metric name.
func (c *CounterMetric) Name() string {
	return c.name
}

// Value returns the current count.
func (c *CounterMetric) Value() int64 {
	return c.value.Load()
}

// Reset sets the counter back to zero.
func (c *CounterMetric) Reset() {
	c.value.Store(0)
}

// Global timing metrics.
var (
	TreeSplice    = newTimingMetric("tree_splice")
	ListSplice    = newTimingMetric("list_splice")
	RefreshNode   = newTimingMetric("refresh_node")
	FetchChildren = newTimingMetric("fetch_children")
	UIRender      = newTimingMetric("ui_render")
)

// Global counters.
var (
	RowCacheHits   = newCounterMetric("row_cache_hits")
	RowCacheMisses = newCounterMetric("row_cache_misses")
	FetchCoalesced = newCounterMetric("fetch_coalesced")
)

// AllTimingMetrics returns all registered timing metrics.
func AllTimingMetrics() []*TimingMetric {
	return []*TimingMetric{TreeSplice, ListSplice, RefreshNode, FetchChildren, UIRender}
}

// AllCounterMetrics returns all registered counters.
func AllCounterMetrics() []*CounterMetric {
	return []*CounterMetric{RowCacheHits, RowCacheMisses, FetchCoalesced}
}

// ResetAll resets every registered metric.
func ResetAll() {
	for _, m := range AllTimingMetrics() {
		m.Reset()
	}
	for _, c := range AllCounterMetrics() {
		c.Reset()
	}
}

// AllTimingStats returns stats for the timing metrics that have data.
func AllTimingStats() []TimingStats {
	all := AllTimingMetrics()
	stats := make([]TimingStats, 0, len(all))
	for _, m := range all {
		if m.Count() > 0 {
			stats = append(stats, m.Stats())
		}
	}
	return stats
}
