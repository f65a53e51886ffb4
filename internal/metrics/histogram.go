package metrics

import (
	"sync"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram wraps HdrHistogram-go behind a mutex: each worker owns one,
// fed by all of that worker's connections and read from other goroutines
// (the Prometheus exporter during a run, the results writer after it),
// and hdrhistogram.Histogram is not safe for concurrent use on its own.
// spec.md 1 names HdrHistogram explicitly as the percentile-accuracy
// mechanism this harness reports through.
type Histogram struct {
	mu  sync.Mutex
	hdr *hdrhistogram.Histogram
}

// Default bounds: 1 nanosecond floor, 5 minute ceiling, 3 significant
// figures — the standard HdrHistogram precision/memory tradeoff used for
// network RPC latency measurement.
const (
	histMinValue   = 1
	histMaxValue   = int64(5 * 60 * 1_000_000_000)
	histSigFigures = 3
)

// NewHistogram allocates a fresh run-wide latency histogram.
func NewHistogram() *Histogram {
	return &Histogram{hdr: hdrhistogram.New(histMinValue, histMaxValue, histSigFigures)}
}

// Record adds one latency sample, in nanoseconds. Values above the
// configured ceiling are clamped rather than rejected, so one outlier
// can't abort an otherwise-valid run.
func (h *Histogram) Record(latencyNs int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if latencyNs > histMaxValue {
		latencyNs = histMaxValue
	}
	_ = h.hdr.RecordValue(latencyNs)
}

// Percentiles is the standard set of quantiles metrics.json reports.
type Percentiles struct {
	P50  int64
	P90  int64
	P99  int64
	P999 int64
	Max  int64
	Mean float64
}

// Snapshot reads out the current percentile set.
func (h *Histogram) Snapshot() Percentiles {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Percentiles{
		P50:  h.hdr.ValueAtQuantile(50),
		P90:  h.hdr.ValueAtQuantile(90),
		P99:  h.hdr.ValueAtQuantile(99),
		P999: h.hdr.ValueAtQuantile(99.9),
		Max:  h.hdr.Max(),
		Mean: h.hdr.Mean(),
	}
}

// Export returns the bucket counts needed to write a .hdr log, per
// spec.md 6's results directory layout.
func (h *Histogram) Export() *hdrhistogram.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hdr.Export()
}

// Merge folds another worker's histogram into this one, used by the
// binaries' Prometheus aggregation to combine per-worker histograms into
// one run-wide view at each scrape.
func (h *Histogram) Merge(other *Histogram) {
	other.mu.Lock()
	snap := other.hdr.Export()
	other.mu.Unlock()

	imported := hdrhistogram.Import(snap)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hdr.Merge(imported)
}
