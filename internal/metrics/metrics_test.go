package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountersSnapshotRates(t *testing.T) {
	c := NewCounters()
	c.Record(100, true)
	c.Record(200, true)
	c.RecordError()
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	snap := c.Snapshot()
	require.Equal(t, uint64(2), snap.Ops)
	require.Equal(t, uint64(2), snap.Msgs)
	require.Equal(t, uint64(300), snap.Bytes)
	require.Equal(t, uint64(1), snap.Errors)
	require.Greater(t, snap.UptimeNs, uint64(0))
	require.Greater(t, snap.Bandwidth, 0.0)
}

func TestCountersReset(t *testing.T) {
	c := NewCounters()
	c.Record(10, true)
	c.Reset()
	snap := c.Snapshot()
	require.Zero(t, snap.Ops)
	require.Zero(t, snap.Bytes)
}

func TestSampleLatencyClampsNegative(t *testing.T) {
	s := Sample{SendTsNs: 100, RecvTsNs: 50}
	require.Equal(t, int64(0), s.LatencyNs())

	s2 := Sample{SendTsNs: 100, RecvTsNs: 250}
	require.Equal(t, int64(150), s2.LatencyNs())
}

func TestSampleQueueDropsWhenFull(t *testing.T) {
	q := NewSampleQueue(2)
	require.True(t, q.Push(Sample{SendTsNs: 1, RecvTsNs: 2}))
	require.True(t, q.Push(Sample{SendTsNs: 3, RecvTsNs: 4}))
	require.False(t, q.Push(Sample{SendTsNs: 5, RecvTsNs: 6}))
	require.Equal(t, uint64(1), q.Dropped())

	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Empty(t, q.Drain())
}

func TestSamplerRate(t *testing.T) {
	s := NewSampler(10)
	require.True(t, s.ShouldSample(0))
	require.True(t, s.ShouldSample(10))
	require.False(t, s.ShouldSample(5))

	always := NewSampler(0)
	require.True(t, always.ShouldSample(7))
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram()
	for i := int64(1); i <= 100; i++ {
		h.Record(i * 1000)
	}
	snap := h.Snapshot()
	require.Greater(t, snap.P50, int64(0))
	require.GreaterOrEqual(t, snap.P99, snap.P50)
	require.GreaterOrEqual(t, snap.Max, snap.P999)
}

func TestHistogramClampsOutliers(t *testing.T) {
	h := NewHistogram()
	h.Record(histMaxValue * 10)
	snap := h.Snapshot()
	require.LessOrEqual(t, snap.Max, histMaxValue)
}

func TestHistogramMerge(t *testing.T) {
	a := NewHistogram()
	b := NewHistogram()
	for i := int64(1); i <= 50; i++ {
		a.Record(i * 1000)
	}
	for i := int64(51); i <= 100; i++ {
		b.Record(i * 1000)
	}
	a.Merge(b)
	snap := a.Snapshot()
	require.GreaterOrEqual(t, snap.Max, int64(99000))
}

func TestCountingObserverRecordsErrorsSeparately(t *testing.T) {
	o := NewCountingObserver(NewHistogram())
	o.ObserveOp(128, true, true)
	o.ObserveOp(0, false, false)

	snap := o.Counters.Snapshot()
	require.Equal(t, uint64(1), snap.Ops)
	require.Equal(t, uint64(1), snap.Msgs)
	require.Equal(t, uint64(1), snap.Errors)
}

func TestCountingObserverSampleRecordsHistogramOnly(t *testing.T) {
	o := NewCountingObserver(NewHistogram())
	o.ObserveSample(Sample{SendTsNs: 0, RecvTsNs: 1000})

	snap := o.Counters.Snapshot()
	require.Zero(t, snap.Ops, "ObserveSample must not double-count into Counters")
	require.Greater(t, o.Hist.Snapshot().Max, int64(0))
}
