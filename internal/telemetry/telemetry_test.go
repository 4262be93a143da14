package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrementAccumulates(t *testing.T) {
	c := New("node1", 100)
	c.Increment("payments_accepted")
	c.Increment("payments_accepted")
	c.IncrementBy("payments_accepted", 3)

	assert.Equal(t, int64(5), c.Snapshot().Counters["payments_accepted"])
}

func TestSetGaugeOverwrites(t *testing.T) {
	c := New("node1", 100)
	c.SetGauge("time_offset_ms", 1.5)
	c.SetGauge("time_offset_ms", 2.5)

	assert.Equal(t, 2.5, c.Snapshot().Gauges["time_offset_ms"])
}

func TestHistogramStatsComputesPercentiles(t *testing.T) {
	c := New("node1", 100)
	for i := 1; i <= 100; i++ {
		c.RecordValue("latency", float64(i))
	}

	stats := c.Snapshot().Histograms["latency"]
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 100.0, stats.Max)
	assert.InDelta(t, 50.0, stats.P50, 2)
}

func TestHistogramTrimsToMaxHistory(t *testing.T) {
	c := New("node1", 5)
	for i := 0; i < 10; i++ {
		c.RecordValue("latency", float64(i))
	}
	assert.Equal(t, 5, c.Snapshot().Histograms["latency"].Count)
}

func TestTimerRecordsDuration(t *testing.T) {
	c := New("node1", 100)
	timer := c.StartTimer("payment")
	timer.Stop()

	stats := c.Snapshot().Histograms["payment_duration"]
	assert.Equal(t, 1, stats.Count)
}

func TestResetClearsAllMetrics(t *testing.T) {
	c := New("node1", 100)
	c.Increment("x")
	c.SetGauge("y", 1)
	c.RecordValue("z", 1)

	c.Reset()

	snap := c.Snapshot()
	assert.Empty(t, snap.Counters)
	assert.Empty(t, snap.Gauges)
	assert.Empty(t, snap.Histograms)
}

func TestSummaryContainsNodeID(t *testing.T) {
	c := New("node1", 100)
	c.Increment("x")
	assert.Contains(t, c.Summary(), "node1")
}
