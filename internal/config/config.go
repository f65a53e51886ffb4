// Package config defines the tuning surface shared by both binaries
// (spec.md §6) as a cobra command tree with datasize-aware byte flags,
// following sakateka-yanet2/controlplane's cobra command style — the
// teacher itself is a library with no CLI, so this package has no direct
// teacher analogue.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tcpburst/tcpburst/internal/logging"
	"github.com/tcpburst/tcpburst/internal/reactor"
)

// Common holds every tuning knob from spec.md §6 shared by sender and
// receiver binaries; each binary's own cobra command adds role-specific
// flags (e.g. --messages-per-second on the client).
type Common struct {
	Address string

	Connections int
	Workers     int

	// Senders caps how many of Connections actively drive the pacing
	// loop; the rest still dial, handshake, and receive (e.g. echoed
	// bytes) but never emit traffic themselves. 0 means every connection
	// sends. Only meaningful to tcpburst-send.
	Senders int

	MessageSize datasize.ByteSize
	BufferSize  datasize.ByteSize
	BufferCount int
	URingDepth  uint32
	SoRcvBuf    datasize.ByteSize
	SoSndBuf    datasize.ByteSize

	ZeroCopy             bool
	BusySpin             bool
	ShutdownOnDisconnect bool
	ReadLimit            datasize.ByteSize
	BundleReceive        bool

	ResultsDir string
	Tags       []string

	CollectLatencyEveryN uint64

	LogFile  string
	LogLevel string

	Engine string // "auto", "uring", "epoll"

	// MetricsAddr, when non-empty, starts a Prometheus /metrics HTTP
	// exporter on this address, serving the run's aggregate counters and
	// latency percentiles for operators who'd rather scrape than read
	// metrics.json.
	MetricsAddr string
}

// ReactorEngine translates the --engine flag into a reactor.Engine.
func (c Common) ReactorEngine() (reactor.Engine, error) {
	switch c.Engine {
	case "", "auto":
		return reactor.EngineAuto, nil
	case "uring":
		return reactor.EngineURing, nil
	case "epoll":
		return reactor.EngineEpoll, nil
	default:
		return 0, fmt.Errorf("config: unknown --engine %q", c.Engine)
	}
}

// byteSizeValue adapts datasize.ByteSize (which already knows how to parse
// strings like "64KB" via UnmarshalText) to pflag.Value so cobra can bind it
// directly as a flag, instead of a plain uint64 of raw bytes.
type byteSizeValue struct{ dst *datasize.ByteSize }

func (v byteSizeValue) String() string {
	if v.dst == nil {
		return "0B"
	}
	return v.dst.String()
}

func (v byteSizeValue) Set(s string) error {
	return v.dst.UnmarshalText([]byte(s))
}

func (v byteSizeValue) Type() string { return "byteSize" }

func byteSizeVar(flags *pflag.FlagSet, dst *datasize.ByteSize, name string, def datasize.ByteSize, usage string) {
	*dst = def
	flags.Var(byteSizeValue{dst: dst}, name, usage)
}

// BindCommon registers every shared flag from spec.md §6 onto cmd,
// populating dst.
func BindCommon(cmd *cobra.Command, dst *Common) {
	flags := cmd.Flags()
	flags.StringVar(&dst.Address, "address", "127.0.0.1:9000", "host:port to connect/listen on")
	flags.IntVar(&dst.Connections, "connections", 1, "number of persistent TCP connections")
	flags.IntVar(&dst.Senders, "senders", 0, "number of connections that actively send (0 = all connections); ignored by tcpburst-recv")
	flags.IntVar(&dst.Workers, "workers", 1, "number of worker threads")

	byteSizeVar(flags, &dst.MessageSize, "message-size", 64*datasize.B, "fixed payload size per message")
	byteSizeVar(flags, &dst.BufferSize, "buffer-size", 64*datasize.KB, "size of each provided/registered buffer")
	flags.IntVar(&dst.BufferCount, "buffer-count", 1024, "number of buffers in each pool (power of two)")
	flags.Uint32Var(&dst.URingDepth, "uring-depth", 4096, "io_uring submission/completion queue depth")
	byteSizeVar(flags, &dst.SoRcvBuf, "so-rcvbuf", 0, "SO_RCVBUF override (0 = OS default)")
	byteSizeVar(flags, &dst.SoSndBuf, "so-sndbuf", 0, "SO_SNDBUF override (0 = OS default)")
	byteSizeVar(flags, &dst.ReadLimit, "read-limit", 0, "byte drain limit; parsed but not applied: neither binary stops reading at a limit")

	flags.BoolVar(&dst.ZeroCopy, "zerocopy", false, "use registered-buffer zero-copy sends")
	flags.BoolVar(&dst.BusySpin, "busy-spin", false, "busy-poll the reactor instead of blocking")
	flags.BoolVar(&dst.ShutdownOnDisconnect, "shutdown-on-disconnect", false, "parsed but not applied: neither binary exits when its connections close")
	flags.BoolVar(&dst.BundleReceive, "bundle-receive", false, "use IORING_RECVSEND_BUNDLE to coalesce provided-buffer completions (io_uring engine only)")

	flags.StringVar(&dst.ResultsDir, "results-dir", "", "directory to write metadata.json/metrics.json/*.hdr (empty = disabled)")
	flags.StringSliceVar(&dst.Tags, "tags", nil, "key=value tags embedded in metadata.json")
	flags.Uint64Var(&dst.CollectLatencyEveryN, "collect-latency-every-n-samples", 1, "sample one in every N messages for the latency histogram")

	flags.StringVar(&dst.LogFile, "log-file", "", "log file path (empty = stderr)")
	flags.StringVar(&dst.LogLevel, "log-level", "info", "debug|info|warn|error")

	flags.StringVar(&dst.Engine, "engine", "auto", "auto|uring|epoll")

	flags.StringVar(&dst.MetricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty = disabled)")
}

// NewLogger builds the shared logger from --log-file/--log-level.
func NewLogger(c Common) (*logging.Logger, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.LogLevel)
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("config: open log file: %w", err)
		}
		cfg.Output = f
	}
	return logging.NewLogger(cfg), nil
}

// ReactorConfig builds a reactor.Config from the shared flags.
func (c Common) ReactorConfig() (reactor.Config, error) {
	engine, err := c.ReactorEngine()
	if err != nil {
		return reactor.Config{}, err
	}
	return reactor.Config{
		Engine:      engine,
		QueueDepth:  c.URingDepth,
		MaxInFlight: int(c.URingDepth),
	}, nil
}

// IdleWait is the PollWait timeout workers block on each loop iteration
// when busy-spin is off.
const IdleWait = 100 * time.Millisecond
