// Command tcpburst-send is the client/load-generator binary: it dials
// --connections connections against --address, spread across --workers
// reactor-owning threads, completes each non-blocking connect, writes the
// 8-byte msg_size handshake, then drives each worker's client-side pacing
// helper (spec.md 4.G) at --messages-per-second (split evenly across
// workers). Flag parsing and signal handling follow the teacher's
// cmd/ublk-mem/main.go posture, adapted to cobra and signal.NotifyContext,
// matching cmd/tcpburst-recv's shutdown shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/tcpburst/tcpburst/internal/config"
	"github.com/tcpburst/tcpburst/internal/logging"
	"github.com/tcpburst/tcpburst/internal/metrics"
	"github.com/tcpburst/tcpburst/internal/results"
	"github.com/tcpburst/tcpburst/internal/socket"
	"github.com/tcpburst/tcpburst/internal/wire"
	"github.com/tcpburst/tcpburst/internal/worker"
)

func main() {
	var cfg config.Common
	var echo bool
	var messagesPerSecond float64

	root := &cobra.Command{
		Use:   "tcpburst-send",
		Short: "TCP load-generator client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, echo, messagesPerSecond, os.Args)
		},
	}
	config.BindCommon(root, &cfg)
	root.Flags().BoolVar(&echo, "echo", false, "expect bounced-back messages from the receiver")
	root.Flags().Float64Var(&messagesPerSecond, "messages-per-second", 0,
		"target send rate across all connections; 0 turns pacing off and no messages are sent")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Common, echo bool, messagesPerSecond float64, cmdline []string) error {
	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}

	reactorCfg, err := cfg.ReactorConfig()
	if err != nil {
		return err
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Connections < 1 {
		cfg.Connections = 1
	}

	workerCfg := worker.Config{
		Reactor:               reactorCfg,
		MessageSize:           int(cfg.MessageSize),
		ProvidedBufferSize:    uint32(cfg.BufferSize),
		ProvidedBufferCount:   uint32(cfg.BufferCount),
		RegisteredBufferSize:  uint32(cfg.BufferSize),
		RegisteredBufferCount: cfg.BufferCount,
		SendListCapacity:      64,
		ZeroCopy:              cfg.ZeroCopy,
		BusySpin:              cfg.BusySpin,
		IdleWait:              config.IdleWait,
		CollectLatencyEveryN:  cfg.CollectLatencyEveryN,
		BundleReceive:         cfg.BundleReceive,
		TaskInboxCapacity:     4096,
		CPUID:                 -1,
		Echo:                  echo,
		MessagesPerSecond:     messagesPerSecond / float64(cfg.Workers),
	}

	workers := make([]*worker.Worker, cfg.Workers)
	for i := range workers {
		wc := workerCfg
		if cfg.Workers > 1 {
			wc.CPUID = i
		}
		w, err := worker.New(i, wc, log)
		if err != nil {
			return fmt.Errorf("tcpburst-send: start worker %d: %w", i, err)
		}
		workers[i] = w
	}

	if err := dialAll(cfg, workers, log); err != nil {
		for _, w := range workers {
			w.Stop()
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		idx, wrk := i, w
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := wrk.Run(ctx); err != nil {
				log.Error("worker exited", "worker", idx, "err", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		aggregate, percentiles := metricsAggregators(workers)
		exporter := metrics.NewPrometheusExporter(aggregate, percentiles)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := exporter.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics exporter exited", "err", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	for _, w := range workers {
		w.Stop()
	}
	wg.Wait()

	return writeResults(cfg, cmdline, workers)
}

// metricsAggregators builds the fetch closures NewPrometheusExporter scrapes
// from: aggregate sums every worker's counters fresh on each call, percentiles
// merges every worker's histogram into a scratch one since Histogram.Merge
// mutates its receiver rather than returning a new value.
func metricsAggregators(workers []*worker.Worker) (metrics.AggregateFunc, metrics.PercentilesFunc) {
	aggregate := func() metrics.Snapshot {
		var agg metrics.Snapshot
		for _, w := range workers {
			s := w.Snapshot()
			agg.Ops += s.Ops
			agg.Msgs += s.Msgs
			agg.Bytes += s.Bytes
			agg.Errors += s.Errors
		}
		return agg
	}
	percentiles := func() metrics.Percentiles {
		combined := metrics.NewHistogram()
		for _, w := range workers {
			combined.Merge(w.Histogram())
		}
		return combined.Snapshot()
	}
	return aggregate, percentiles
}

// dialAll opens cfg.Connections connections, distributing them round-robin
// across workers, completing each non-blocking connect and writing the
// handshake synchronously here (before Run starts any worker's loop), so
// every connection is registered directly — not through the acceptor's
// dispatcher — before the reactor begins polling. Only the first
// cfg.Senders of them (all of them, if cfg.Senders is 0 or exceeds
// cfg.Connections) are handed to AddSenderConnection and so participate in
// pace's rotation; the remainder are AddPassiveConnection: still dialed,
// handshaken, and receiving, but never selected to send.
func dialAll(cfg config.Common, workers []*worker.Worker, log *logging.Logger) error {
	handshake := wire.EncodeHandshake(uint64(cfg.MessageSize))

	senderLimit := cfg.Senders
	if senderLimit <= 0 || senderLimit > cfg.Connections {
		senderLimit = cfg.Connections
	}

	for i := 0; i < cfg.Connections; i++ {
		w := workers[i%len(workers)]

		sock, err := socket.Dial(cfg.Address)
		if err != nil {
			return fmt.Errorf("tcpburst-send: dial %d: %w", i, err)
		}
		if err := waitWritable(sock.FD()); err != nil {
			sock.Close()
			return fmt.Errorf("tcpburst-send: connect %d: %w", i, err)
		}
		if err := sock.CompleteConnect(); err != nil {
			sock.Close()
			return fmt.Errorf("tcpburst-send: connect %d: %w", i, err)
		}
		if err := sock.SetNoDelay(true); err != nil {
			log.Warn("set nodelay failed", "conn", i, "err", err)
		}
		if cfg.SoSndBuf > 0 {
			if err := sock.SetSendBuf(int(cfg.SoSndBuf)); err != nil {
				log.Warn("set sndbuf failed", "conn", i, "err", err)
			}
		}
		if cfg.SoRcvBuf > 0 {
			if err := sock.SetRecvBuf(int(cfg.SoRcvBuf)); err != nil {
				log.Warn("set rcvbuf failed", "conn", i, "err", err)
			}
		}
		if cfg.ZeroCopy {
			if err := sock.SetZeroCopy(); err != nil {
				log.Warn("set zerocopy failed", "conn", i, "err", err)
			}
		}

		if err := writeFull(sock.FD(), handshake[:]); err != nil {
			sock.Close()
			return fmt.Errorf("tcpburst-send: handshake %d: %w", i, err)
		}

		if i < senderLimit {
			w.AddSenderConnection(sock)
		} else {
			w.AddPassiveConnection(sock)
		}
	}
	return nil
}

// waitWritable blocks until fd is writable (connect's completion signal on
// a non-blocking socket) or an error/hangup is observed, per the standard
// connect(2)-then-poll(2)-for-POLLOUT pattern.
func waitWritable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(pfd, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// writeFull retries a non-blocking write until every byte of buf is sent,
// waiting on POLLOUT between attempts; the handshake is tiny (8 bytes) so
// this never meaningfully blocks startup.
func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				if werr := waitWritable(fd); werr != nil {
					return werr
				}
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func writeResults(cfg config.Common, cmdline []string, workers []*worker.Worker) error {
	w, err := results.NewWriter(cfg.ResultsDir)
	if err != nil {
		return err
	}
	if cfg.ResultsDir == "" {
		return nil
	}

	if err := w.WriteMetadata(results.NewMetadata(cmdline, cfg.Tags)); err != nil {
		return err
	}

	counters := make([]*metrics.Counters, len(workers))
	hists := make([]*metrics.Histogram, len(workers))
	for i, wrk := range workers {
		counters[i] = wrk.Counters()
		hists[i] = wrk.Histogram()
	}

	report := results.BuildReport(counters, hists, 0)
	if err := w.WriteReport(report); err != nil {
		return err
	}
	for i, h := range hists {
		if err := w.WriteHistogram(i, h); err != nil {
			return err
		}
	}
	return nil
}
