// Package results persists a run's metadata and metrics to a results
// directory, per spec.md 6: metadata.json (run identity, build info,
// machine info, command line, tags), metrics.json (per-worker counters),
// and one worker-<idx>.hdr file per worker holding its latency histogram
// export. Grounded on the teacher's lack of a results writer (ublk has
// none — this is new, supplemental per SPEC_FULL.md), shaped after
// runZeroInc-sockstats' use of rs/xid for per-entity correlation IDs and
// unix.Uname for machine identification.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/tcpburst/tcpburst/internal/metrics"
)

// Metadata captures everything needed to reproduce or correlate a run
// later: who/what/when/where, plus free-form tags from --tags.
type Metadata struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	CmdLine   []string          `json:"cmdline"`
	GoVersion string            `json:"go_version"`
	GOARCH    string            `json:"goarch"`
	Hostname  string            `json:"hostname"`
	Kernel    string            `json:"kernel"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// NewMetadata builds a Metadata snapshot for the current process. cmdline
// is normally os.Args; tags comes from --tags key=value pairs.
func NewMetadata(cmdline []string, tags []string) Metadata {
	var uname unix.Utsname
	kernel := "unknown"
	if err := unix.Uname(&uname); err == nil {
		kernel = cstr(uname.Release[:])
	}
	hostname, _ := os.Hostname()

	return Metadata{
		RunID:     xid.New().String(),
		StartedAt: time.Now().UTC(),
		CmdLine:   cmdline,
		GoVersion: runtime.Version(),
		GOARCH:    runtime.GOARCH,
		Hostname:  hostname,
		Kernel:    kernel,
		Tags:      parseTags(tags),
	}
}

func cstr(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func parseTags(raw []string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			out[kv] = ""
			continue
		}
		out[k] = v
	}
	return out
}

// WorkerMetrics is one worker's final counters plus derived rates, the
// per-worker entry in metrics.json's "workers" array.
type WorkerMetrics struct {
	WorkerID int                  `json:"worker_id"`
	Ops      uint64               `json:"ops"`
	Msgs     uint64               `json:"msgs"`
	Bytes    uint64               `json:"bytes"`
	Errors   uint64               `json:"errors"`
	UptimeNs uint64               `json:"uptime_ns"`
	Rates    metrics.Snapshot     `json:"rates"`
	Latency  *metrics.Percentiles `json:"latency,omitempty"`
}

// Report is the full metrics.json document: per-worker breakdown plus the
// run-wide aggregate and dropped-sample count.
type Report struct {
	Workers []WorkerMetrics  `json:"workers"`
	Total   metrics.Snapshot `json:"total"`
	Dropped uint64           `json:"samples_dropped"`
}

// BuildReport aggregates per-worker counters/histograms into a Report,
// combining every worker's Counters into a single run-wide Counters the
// way the worker's own Snapshot does for one connection.
func BuildReport(perWorker []*metrics.Counters, hists []*metrics.Histogram, dropped uint64) Report {
	r := Report{Dropped: dropped}
	total := metrics.NewCounters()
	total.Reset()

	for i, c := range perWorker {
		snap := c.Snapshot()
		wm := WorkerMetrics{
			WorkerID: i,
			Ops:      snap.Ops,
			Msgs:     snap.Msgs,
			Bytes:    snap.Bytes,
			Errors:   snap.Errors,
			UptimeNs: snap.UptimeNs,
			Rates:    snap,
		}
		if i < len(hists) && hists[i] != nil {
			p := hists[i].Snapshot()
			wm.Latency = &p
		}
		r.Workers = append(r.Workers, wm)

		total.Ops.Add(snap.Ops)
		total.Msgs.Add(snap.Msgs)
		total.Bytes.Add(snap.Bytes)
		total.Errors.Add(snap.Errors)
	}
	total.Stop()
	r.Total = total.Snapshot()
	return r
}

// Writer persists a run's Metadata, Report, and per-worker histogram
// exports under dir. A zero-value Writer with Dir == "" is a no-op:
// every method returns nil immediately, matching --results-dir's "empty
// disables persistence" contract.
type Writer struct {
	Dir string
}

// NewWriter creates dir (including parents) if dir is non-empty.
func NewWriter(dir string) (*Writer, error) {
	if dir == "" {
		return &Writer{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("results: create results dir: %w", err)
	}
	return &Writer{Dir: dir}, nil
}

func (w *Writer) WriteMetadata(m Metadata) error {
	if w.Dir == "" {
		return nil
	}
	return writeJSON(filepath.Join(w.Dir, "metadata.json"), m)
}

func (w *Writer) WriteReport(r Report) error {
	if w.Dir == "" {
		return nil
	}
	return writeJSON(filepath.Join(w.Dir, "metrics.json"), r)
}

// WriteHistogram writes worker idx's histogram export as
// worker-<idx>.hdr. The HdrHistogram-go wire log format's writer isn't
// part of the API surface confirmed in the example pack, so this writes
// the library's own exported snapshot (bucket boundaries, counts) as
// JSON rather than the binary V2 log format real hdrhistogram tooling
// produces.
func (w *Writer) WriteHistogram(idx int, h *metrics.Histogram) error {
	if w.Dir == "" || h == nil {
		return nil
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("worker-%d.hdr", idx))
	return writeJSON(path, h.Export())
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("results: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("results: encode %s: %w", path, err)
	}
	return nil
}
