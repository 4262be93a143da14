// Package telemetry is the host-level metrics collector SPEC_FULL.md §6.3
// keeps from the reference's utils/metrics.py: counters, gauges, and
// duration histograms, exported as JSON or a plain-text summary over
// GET /metrics.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector is the MetricsCollector equivalent: one per node, registered
// with the gin router's /metrics handler.
type Collector struct {
	mu         sync.Mutex
	nodeID     string
	startedAt  time.Time
	maxHistory int

	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func New(nodeID string, maxHistory int) *Collector {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Collector{
		nodeID:     nodeID,
		startedAt:  time.Now(),
		maxHistory: maxHistory,
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// Increment adds 1 to a counter (IncrementBy(name, 1)); IncrementBy adds
// an arbitrary value.
func (c *Collector) Increment(name string) {
	c.IncrementBy(name, 1)
}

func (c *Collector) IncrementBy(name string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += value
}

func (c *Collector) SetGauge(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = value
}

// RecordValue appends value to name's histogram, trimming to maxHistory
// from the front (the oldest samples are dropped first).
func (c *Collector) RecordValue(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := append(c.histograms[name], value)
	if len(hist) > c.maxHistory {
		hist = hist[len(hist)-c.maxHistory:]
	}
	c.histograms[name] = hist
}

// Timer measures the duration of an operation and records it into
// "<name>_duration" on Stop.
type Timer struct {
	c         *Collector
	name      string
	startedAt time.Time
}

func (c *Collector) StartTimer(name string) *Timer {
	return &Timer{c: c, name: name, startedAt: time.Now()}
}

func (t *Timer) Stop() time.Duration {
	d := time.Since(t.startedAt)
	t.c.RecordValue(t.name+"_duration", d.Seconds())
	return d
}

// HistogramStats mirrors get_histogram_stats.
type HistogramStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int((float64(p) / 100.0) * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func histogramStats(values []float64) HistogramStats {
	if len(values) == 0 {
		return HistogramStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return HistogramStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
	}
}

// Snapshot is the full get_all_metrics equivalent.
type Snapshot struct {
	NodeID        string                    `json:"node_id"`
	Timestamp     float64                   `json:"timestamp"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Counters      map[string]int64          `json:"counters"`
	Gauges        map[string]float64        `json:"gauges"`
	Histograms    map[string]HistogramStats `json:"histograms"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	histograms := make(map[string]HistogramStats, len(c.histograms))
	for k, v := range c.histograms {
		histograms[k] = histogramStats(v)
	}

	return Snapshot{
		NodeID:        c.nodeID,
		Timestamp:     float64(time.Now().UnixNano()) / float64(time.Second),
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Counters:      counters,
		Gauges:        gauges,
		Histograms:    histograms,
	}
}

// Reset clears all metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]int64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
}

// Summary renders the plain-text form served at GET /metrics?format=summary.
func (c *Collector) Summary() string {
	snap := c.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "=== Metrics for %s ===\n", snap.NodeID)
	fmt.Fprintf(&b, "Uptime: %.2fs\n\n", snap.UptimeSeconds)

	b.WriteString("Counters:\n")
	for _, name := range sortedKeys(snap.Counters) {
		fmt.Fprintf(&b, "  %s: %d\n", name, snap.Counters[name])
	}

	b.WriteString("\nGauges:\n")
	for _, name := range sortedGaugeKeys(snap.Gauges) {
		fmt.Fprintf(&b, "  %s: %.4f\n", name, snap.Gauges[name])
	}

	b.WriteString("\nHistograms:\n")
	for _, name := range sortedHistogramKeys(snap.Histograms) {
		s := snap.Histograms[name]
		fmt.Fprintf(&b, "  %s:\n", name)
		fmt.Fprintf(&b, "    count: %d\n", s.Count)
		fmt.Fprintf(&b, "    avg: %.4f\n", s.Avg)
		fmt.Fprintf(&b, "    p50: %.4f\n", s.P50)
		fmt.Fprintf(&b, "    p95: %.4f\n", s.P95)
		fmt.Fprintf(&b, "    p99: %.4f\n", s.P99)
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedGaugeKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedHistogramKeys(m map[string]HistogramStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
