package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tcpburst/tcpburst/internal/metrics"
)

func TestNewMetadataPopulatesIdentity(t *testing.T) {
	m := NewMetadata([]string{"tcpburst-recv", "--address", "x"}, []string{"env=staging", "bare"})
	require.NotEmpty(t, m.RunID)
	require.NotEmpty(t, m.GoVersion)
	require.NotEmpty(t, m.Hostname)
	require.Equal(t, []string{"tcpburst-recv", "--address", "x"}, m.CmdLine)
	require.Equal(t, "staging", m.Tags["env"])
	require.Contains(t, m.Tags, "bare")
}

func TestParseTagsHandlesMissingEquals(t *testing.T) {
	tags := parseTags([]string{"a=b", "lonekey"})
	require.Equal(t, "b", tags["a"])
	require.Equal(t, "", tags["lonekey"])
}

func TestParseTagsNilOnEmpty(t *testing.T) {
	require.Nil(t, parseTags(nil))
}

func TestBuildReportAggregatesWorkers(t *testing.T) {
	c1 := metrics.NewCounters()
	c1.Record(100, true)
	c1.Record(50, true)
	c1.Stop()

	c2 := metrics.NewCounters()
	c2.Record(10, true)
	c2.Stop()

	h1 := metrics.NewHistogram()
	h1.Record(1000)

	report := BuildReport([]*metrics.Counters{c1, c2}, []*metrics.Histogram{h1, nil}, 3)

	require.Len(t, report.Workers, 2)
	require.Equal(t, uint64(3), report.Dropped)
	require.Equal(t, uint64(2), report.Workers[0].Ops)
	require.Equal(t, uint64(150), report.Workers[0].Bytes)
	require.NotNil(t, report.Workers[0].Latency)
	require.Nil(t, report.Workers[1].Latency)
	require.Equal(t, uint64(3), report.Total.Ops)
	require.Equal(t, uint64(160), report.Total.Bytes)
}

func TestWriterNoopWithEmptyDir(t *testing.T) {
	w, err := NewWriter("")
	require.NoError(t, err)
	require.NoError(t, w.WriteMetadata(NewMetadata(nil, nil)))
	require.NoError(t, w.WriteReport(Report{}))
	require.NoError(t, w.WriteHistogram(0, metrics.NewHistogram()))
}

func TestWriterPersistsFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	w, err := NewWriter(dir)
	require.NoError(t, err)

	meta := NewMetadata([]string{"cmd"}, nil)
	require.NoError(t, w.WriteMetadata(meta))

	c := metrics.NewCounters()
	c.Record(8, true)
	c.Stop()
	report := BuildReport([]*metrics.Counters{c}, []*metrics.Histogram{nil}, 0)
	require.NoError(t, w.WriteReport(report))

	h := metrics.NewHistogram()
	h.Record(500)
	require.NoError(t, w.WriteHistogram(0, h))

	for _, name := range []string{"metadata.json", "metrics.json", "worker-0.hdr"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	var gotMeta Metadata
	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &gotMeta))
	require.Equal(t, meta.RunID, gotMeta.RunID)
}
