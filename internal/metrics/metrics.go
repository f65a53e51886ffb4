// Package metrics implements the sample/counter conduit described in
// spec.md's Metrics component: per-connection atomic counters, an HDR
// latency histogram, an optional Prometheus exporter, and the
// send/receive timestamp sample queue a run's HUD drains at a configured
// sampling rate. Counter/Observer shape is adapted directly from the
// teacher's metrics.go; everything latency-related is new, grounded on
// spec.md 1's explicit choice of HdrHistogram-go for percentile accuracy
// at high sample rates.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counters tracks the three cumulative counters spec.md names per
// connection and in aggregate: operations (sends or receives, depending
// on role), messages, and bytes. The worker keeps one instance per
// connection and sums them for its per-worker totals.
type Counters struct {
	Ops   atomic.Uint64
	Msgs  atomic.Uint64
	Bytes atomic.Uint64

	Errors atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewCounters returns a Counters with StartTime set to now.
func NewCounters() *Counters {
	c := &Counters{}
	c.StartTime.Store(time.Now().UnixNano())
	return c
}

// Record adds one operation of n bytes, optionally counting it as a
// message boundary (msgs==true when n bytes completed a whole framed
// message rather than a partial bundle segment).
func (c *Counters) Record(n uint64, msg bool) {
	c.Ops.Add(1)
	c.Bytes.Add(n)
	if msg {
		c.Msgs.Add(1)
	}
}

// RecordError increments the error counter without touching bytes/ops, for
// failures that never transferred any data.
func (c *Counters) RecordError() {
	c.Errors.Add(1)
}

// Stop marks the end of the measurement window.
func (c *Counters) Stop() {
	c.StopTime.Store(time.Now().UnixNano())
}

// Snapshot is a point-in-time, race-free read of Counters plus derived
// rates.
type Snapshot struct {
	Ops    uint64
	Msgs   uint64
	Bytes  uint64
	Errors uint64

	UptimeNs   uint64
	OpsPerSec  float64
	MsgsPerSec float64
	Bandwidth  float64 // bytes/sec
}

// Snapshot computes derived per-second rates against the elapsed wall time
// between StartTime and either StopTime or now.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Ops:    c.Ops.Load(),
		Msgs:   c.Msgs.Load(),
		Bytes:  c.Bytes.Load(),
		Errors: c.Errors.Load(),
	}

	start := c.StartTime.Load()
	stop := c.StopTime.Load()
	if stop > 0 {
		s.UptimeNs = uint64(stop - start)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if s.UptimeNs > 0 {
		secs := float64(s.UptimeNs) / 1e9
		s.OpsPerSec = float64(s.Ops) / secs
		s.MsgsPerSec = float64(s.Msgs) / secs
		s.Bandwidth = float64(s.Bytes) / secs
	}
	return s
}

// Reset zeroes every counter and restarts the measurement window, used
// between a warmup phase and the measured run.
func (c *Counters) Reset() {
	c.Ops.Store(0)
	c.Msgs.Store(0)
	c.Bytes.Store(0)
	c.Errors.Store(0)
	c.StartTime.Store(time.Now().UnixNano())
	c.StopTime.Store(0)
}

// Observer is the pluggable sink every component reports through, checked
// for nil at every call site exactly as the teacher's logger is — see
// internal/logging — so a run with no Observer configured costs nothing.
// ObserveOp records one completed socket operation (msg marks whether it
// also closed out a framed message, matching Counters.Record's own msg
// flag); ObserveSample records a (send_ts, recv_ts) pair's latency, kept
// separate from ObserveOp since not every message is sampled.
type Observer interface {
	ObserveOp(bytes uint64, msg bool, success bool)
	ObserveSample(s Sample)
}

// NoOpObserver discards everything; the zero-overhead default for a
// future metrics-disabled run mode.
type NoOpObserver struct{}

func (NoOpObserver) ObserveOp(uint64, bool, bool) {}
func (NoOpObserver) ObserveSample(Sample)         {}

// CountingObserver is an Observer that records into a Counters and an HDR
// histogram, the shape the teacher's MetricsObserver follows for its
// built-in Metrics type. Worker uses one per connection, sharing a single
// run-wide Histogram across every connection's CountingObserver.
type CountingObserver struct {
	Counters *Counters
	Hist     *Histogram
}

// NewCountingObserver wires a fresh Counters and Histogram together.
func NewCountingObserver(hist *Histogram) *CountingObserver {
	return &CountingObserver{Counters: NewCounters(), Hist: hist}
}

func (o *CountingObserver) ObserveOp(bytes uint64, msg bool, success bool) {
	if !success {
		o.Counters.RecordError()
		return
	}
	o.Counters.Record(bytes, msg)
}

func (o *CountingObserver) ObserveSample(s Sample) {
	if o.Hist != nil {
		o.Hist.Record(s.LatencyNs())
	}
}

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*CountingObserver)(nil)
)
