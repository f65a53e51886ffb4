// Command tcpburst-recv is the server/echo-sink binary: it listens on
// --address, accepts connections, frames incoming fixed-size messages,
// optionally bounces them back (--echo), and on shutdown writes a
// results directory, per spec.md 6. Flag parsing and signal handling
// follow the teacher's cmd/ublk-mem/main.go posture of flag.Parse +
// signal.Notify + a bounded cleanup window, adapted to cobra and
// signal.NotifyContext.
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

	"github.com/tcpburst/tcpburst/internal/acceptor"
	"github.com/tcpburst/tcpburst/internal/config"
	"github.com/tcpburst/tcpburst/internal/metrics"
	"github.com/tcpburst/tcpburst/internal/results"
	"github.com/tcpburst/tcpburst/internal/socket"
	"github.com/tcpburst/tcpburst/internal/worker"
)

func main() {
	var cfg config.Common
	var echo bool

	root := &cobra.Command{
		Use:   "tcpburst-recv",
		Short: "TCP echo-sink benchmarking receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, echo, os.Args)
		},
	}
	config.BindCommon(root, &cfg)
	root.Flags().BoolVar(&echo, "echo", false, "bounce every received message back to the sender")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Common, echo bool, cmdline []string) error {
	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}

	reactorCfg, err := cfg.ReactorConfig()
	if err != nil {
		return err
	}

	listener, err := acceptor.Listen(cfg.Address)
	if err != nil {
		return err
	}
	defer listener.Close()

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
	}
	if !echo {
		// A pure sink never needs registered buffers or a sender.
		workerCfg.RegisteredBufferCount = 0
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	workers := make([]*worker.Worker, cfg.Workers)
	for i := range workers {
		wc := workerCfg
		if cfg.Workers > 1 {
			wc.CPUID = i
		}
		w, err := worker.New(i, wc, log)
		if err != nil {
			return fmt.Errorf("tcpburst-recv: start worker %d: %w", i, err)
		}
		workers[i] = w
	}

	inboxes := make([]acceptor.Inbox, len(workers))
	for i, w := range workers {
		inboxes[i] = w
	}
	dispatcher := acceptor.NewDispatcher(inboxes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The acceptor multishot-accepts on worker 0's reactor; each accepted
	// socket is handed to the dispatcher, which round-robins it into a
	// worker's task inbox so AddConnection always runs on the owning
	// worker's own goroutine, per spec.md 4.I. It must be armed here,
	// before worker 0's Run loop starts, since arming mutates that
	// reactor's request-slot table and submission queue directly — those
	// are only safe to touch from the reactor's own owning goroutine, and
	// before Run starts, that's still this one.
	acc, err := acceptor.Start(workers[0].Reactor(), listener, func(sock *socket.Socket, acceptErr error) {
		if _, ok := dispatcher.Callback(sock, acceptErr); !ok {
			log.Warn("dispatch failed", "err", acceptErr)
		}
	})
	if err != nil {
		return fmt.Errorf("tcpburst-recv: start acceptor: %w", err)
	}

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

	_ = acc.Close()
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
