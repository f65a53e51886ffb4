package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrometheusExporterServesAggregateMetrics(t *testing.T) {
	fetch := func() Snapshot { return Snapshot{Ops: 5, Msgs: 5, Bytes: 500, Errors: 1} }
	hist := NewHistogram()
	hist.Record(1500)
	latency := func() Percentiles { return hist.Snapshot() }

	exporter := NewPrometheusExporter(fetch, latency)

	ctx, cancel := context.WithCancel(context.Background())
	const addr = "127.0.0.1:19191"

	errCh := make(chan error, 1)
	go func() { errCh <- exporter.Serve(ctx, addr) }()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, "tcpburst_ops_total 5")
	require.Contains(t, text, "tcpburst_messages_total 5")
	require.Contains(t, text, "tcpburst_bytes_total 500")
	require.Contains(t, text, "tcpburst_errors_total 1")
	require.Contains(t, text, "tcpburst_latency_p50_ns")

	cancel()
	require.NoError(t, <-errCh)
}
