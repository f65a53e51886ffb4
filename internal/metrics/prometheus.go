package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter is the optional metrics surface from spec.md's
// supplemented-features list: the --metrics-addr flag starts this and
// serves a /metrics endpoint for the run's aggregate counters and latency
// percentiles, for operators who'd rather scrape than read metrics.json.
type PrometheusExporter struct {
	registry *prometheus.Registry
	server   *http.Server
}

// AggregateFunc returns the run's current combined counters across every
// worker; NewPrometheusExporter calls it fresh on every scrape instead of
// latching a snapshot at construction time.
type AggregateFunc func() Snapshot

// PercentilesFunc returns the run's current combined latency percentiles.
type PercentilesFunc func() Percentiles

// NewPrometheusExporter registers gauge/counter funcs that call fetch and
// latency fresh at every scrape, so a scrape never contends with the hot
// path beyond whatever locking Worker.Snapshot/Histogram.Snapshot already
// do for the results writer.
func NewPrometheusExporter(fetch AggregateFunc, latency PercentilesFunc) *PrometheusExporter {
	reg := prometheus.NewRegistry()

	ops := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "tcpburst_ops_total",
		Help: "Total completed send/receive operations.",
	}, func() float64 { return float64(fetch().Ops) })

	msgs := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "tcpburst_messages_total",
		Help: "Total framed messages completed.",
	}, func() float64 { return float64(fetch().Msgs) })

	bytesTotal := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "tcpburst_bytes_total",
		Help: "Total bytes transferred.",
	}, func() float64 { return float64(fetch().Bytes) })

	errs := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "tcpburst_errors_total",
		Help: "Total operation errors.",
	}, func() float64 { return float64(fetch().Errors) })

	latencyGauge := func(name, help string, pick func(Percentiles) int64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(pick(latency())) })
	}

	p50 := latencyGauge("tcpburst_latency_p50_ns", "Median message latency, in nanoseconds.", func(p Percentiles) int64 { return p.P50 })
	p99 := latencyGauge("tcpburst_latency_p99_ns", "99th percentile message latency, in nanoseconds.", func(p Percentiles) int64 { return p.P99 })
	p999 := latencyGauge("tcpburst_latency_p999_ns", "99.9th percentile message latency, in nanoseconds.", func(p Percentiles) int64 { return p.P999 })
	max := latencyGauge("tcpburst_latency_max_ns", "Maximum observed message latency, in nanoseconds.", func(p Percentiles) int64 { return p.Max })

	reg.MustRegister(ops, msgs, bytesTotal, errs, p50, p99, p999, max)

	return &PrometheusExporter{registry: reg}
}

// Serve starts the HTTP listener on addr and blocks until ctx is done,
// mirroring the worker loop's context-driven shutdown.
func (e *PrometheusExporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	e.server = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
