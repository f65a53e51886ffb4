// Package worker implements Components H and I: a single-OS-thread
// worker owning one reactor, one set of buffer pools, a list of
// connections, and a bounded cross-thread task inbox that the acceptor's
// round-robin dispatcher posts accepted sockets into. Task-inbox/post
// shape and the poll-then-drain-tasks loop follow the teacher's
// ioLoop/processRequests posture in the (now superseded)
// internal/queue/runner.go: alternate draining completions with draining
// a bounded cross-goroutine work queue, never blocking on either.
package worker

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tcpburst/tcpburst/internal/bufpool"
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/logging"
	"github.com/tcpburst/tcpburst/internal/metrics"
	"github.com/tcpburst/tcpburst/internal/reactor"
	"github.com/tcpburst/tcpburst/internal/receiver"
	"github.com/tcpburst/tcpburst/internal/sender"
	"github.com/tcpburst/tcpburst/internal/socket"
	"github.com/tcpburst/tcpburst/internal/wire"
)

// Config tunes one worker. Every worker in a run shares the same Config
// except CPUID.
type Config struct {
	Reactor reactor.Config

	MessageSize int

	ProvidedBufferSize  uint32
	ProvidedBufferCount uint32

	RegisteredBufferSize  uint32
	RegisteredBufferCount int
	SendListCapacity      int
	ZeroCopy              bool

	BusySpin             bool
	IdleWait             time.Duration
	CollectLatencyEveryN uint64
	TaskInboxCapacity    int

	// CPUID, when >= 0, pins this worker's OS thread via
	// SchedSetaffinity, matching the teacher's runner.go CPU-pinning
	// posture for predictable benchmark latency.
	CPUID int

	// Echo, when true, makes received messages bounce back to the peer
	// (ping-pong / echo-sink mode) instead of only being counted.
	Echo bool

	// MessagesPerSecond, when > 0, turns on the client-side pacing helper
	// from spec.md 4.G: this worker's share of the run's target rate,
	// spread round-robin across its own connections.
	MessagesPerSecond float64

	// BundleReceive, on the io_uring engine, arms receiver.BundleReceiver
	// (IORING_RECVSEND_BUNDLE) instead of the plain multishot Receiver,
	// per spec.md 4.F. Ignored on the epoll engine, which has no bundle
	// completion concept.
	BundleReceive bool
}

// connState tracks whether a Connection is still waiting for its 8-byte
// msg_size handshake header (server role) before framing fixed-size
// messages, per spec.md 4.H / 6.
type connState int

const (
	connAwaitingHandshake connState = iota
	connFraming
)

// Connection is one worker-owned socket: one receiver, one sender, a
// framer, per-connection counters and timestamps. Stored in a map keyed by
// a worker-local id so callback contexts can carry a stable identifier
// without pinning Go pointers across the reactor's user-data space.
type Connection struct {
	id    uint64
	sock  *socket.Socket
	state connState

	hsBuf []byte // accumulates the 8-byte handshake header

	recv   *receiver.Receiver
	send   sender.Interface
	framer *wire.Framer

	// observer funnels every byte/message/error this connection sees
	// through metrics.Observer's two calls (ObserveOp, ObserveSample)
	// instead of touching a *metrics.Counters/*metrics.Histogram
	// directly, so the worker's recording path and the Prometheus
	// exporter's both read the same counting layer.
	observer  *metrics.CountingObserver
	beginTsNs int64
	endTsNs   int64
}

// Worker drives one reactor, one connection set, and one task inbox. No
// field here is touched from any goroutine but the one running Run,
// except Post (cross-thread) and the atomic stop flag.
type Worker struct {
	idx int
	cfg Config
	log *logging.Logger

	r              reactor.Reactor
	uring          *reactor.UringReactor // non-nil iff r is io_uring backed
	epoll          *reactor.EpollReactor // non-nil iff r is epoll backed
	providedPool   *bufpool.ProvidedPool
	registeredPool *bufpool.RegisteredPool

	// connMu guards connections/connOrder/nextConnID. The owning goroutine
	// (Run, and anything it calls: addConnection, dropConnection, pace,
	// onData) takes it too, even though that goroutine is otherwise the
	// sole mutator, because Counters/Snapshot/ConnectionCount are read
	// from outside — the results writer after shutdown, and a HUD or test
	// polling mid-run. The reactor itself never touches this lock: the
	// per-message hot path of onData/onMessage only ever reads a
	// *Connection it was already handed.
	connMu      sync.RWMutex
	connections map[uint64]*Connection
	connOrder   []uint64
	nextConnID  uint64

	paceStartNs int64
	paceSent    uint64
	paceIdx     int

	taskMu sync.Mutex
	tasks  []func()

	samples *metrics.SampleQueue
	sampler metrics.Sampler
	hist    *metrics.Histogram

	stopping atomic.Bool
}

// Histogram returns the worker's run-wide latency histogram, fed by every
// sampled message, for the results writer to export at shutdown.
func (w *Worker) Histogram() *metrics.Histogram { return w.hist }

// Reactor exposes the worker's underlying Reactor so the acceptor (which
// runs on exactly one worker's reactor and dispatches into every worker's
// inbox) can arm its multishot accept there.
func (w *Worker) Reactor() reactor.Reactor { return w.r }

// ConnectionCount reports how many connections this worker currently owns.
// Safe to call from any goroutine; guarded by connMu like every other
// connections-map access.
func (w *Worker) ConnectionCount() int {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	return len(w.connections)
}

// Counters aggregates every connection's raw *metrics.Counters, for the
// results writer, which needs the underlying counters (not just a
// Snapshot) to merge across workers at the end of a run. Safe to call
// concurrently with the worker's own Run loop, and after it has returned.
func (w *Worker) Counters() *metrics.Counters {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	agg := metrics.NewCounters()
	agg.Reset()
	for _, c := range w.connections {
		s := c.observer.Counters.Snapshot()
		agg.Ops.Add(s.Ops)
		agg.Msgs.Add(s.Msgs)
		agg.Bytes.Add(s.Bytes)
		agg.Errors.Add(s.Errors)
	}
	agg.Stop()
	return agg
}

// New constructs a Worker and its reactor/buffer pools, but does not start
// its loop — call Run from the OS thread the worker should own (typically
// via runtime.LockOSThread in the caller, so CPUID affinity sticks).
func New(idx int, cfg Config, log *logging.Logger) (*Worker, error) {
	r, err := reactor.New(cfg.Reactor)
	if err != nil {
		return nil, bursterr.Wrap("worker_new", err)
	}

	w := &Worker{
		idx:         idx,
		cfg:         cfg,
		log:         log,
		r:           r,
		connections: make(map[uint64]*Connection),
		samples:     metrics.NewSampleQueue(4096),
		sampler:     metrics.NewSampler(cfg.CollectLatencyEveryN),
		hist:        metrics.NewHistogram(),
	}

	switch eng := r.(type) {
	case *reactor.UringReactor:
		w.uring = eng
		pool, err := bufpool.NewProvidedPool(eng.Ring(), uint16(idx), cfg.ProvidedBufferSize, cfg.ProvidedBufferCount)
		if err != nil {
			r.Close()
			return nil, bursterr.Wrap("worker_new", err)
		}
		w.providedPool = pool

		if cfg.RegisteredBufferCount > 0 {
			rp, err := bufpool.NewRegisteredPool(cfg.RegisteredBufferSize, cfg.RegisteredBufferCount)
			if err != nil {
				r.Close()
				return nil, bursterr.Wrap("worker_new", err)
			}
			if err := eng.RegisterBuffers(rp.Iovecs()); err != nil {
				r.Close()
				return nil, bursterr.Wrap("worker_new", err)
			}
			w.registeredPool = rp
		}
	case *reactor.EpollReactor:
		w.epoll = eng
	}

	if cfg.CPUID >= 0 {
		if err := pinCurrentThread(cfg.CPUID); err != nil {
			log.Warn("cpu affinity failed", "worker", idx, "cpu", cfg.CPUID, "err", err)
		}
	}

	return w, nil
}

// Post pushes task onto the bounded inbox and wakes the reactor, per
// spec.md 4.I: a full inbox returns false rather than blocking, and the
// caller (the acceptor's dispatcher) must treat that as backpressure.
func (w *Worker) Post(task func()) bool {
	w.taskMu.Lock()
	if w.cfg.TaskInboxCapacity > 0 && len(w.tasks) >= w.cfg.TaskInboxCapacity {
		w.taskMu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, task)
	w.taskMu.Unlock()
	_ = w.r.Wakeup()
	return true
}

func (w *Worker) drainTasks() {
	w.taskMu.Lock()
	pending := w.tasks
	w.tasks = nil
	w.taskMu.Unlock()
	for _, t := range pending {
		t()
	}
}

// Run is the worker loop: alternate PollWait/Poll with drainTasks until
// ctx is cancelled or Stop is called, per spec.md 4.H / 5. In busy-spin
// mode it calls the non-blocking Poll in a tight loop instead of
// PollWait, matching spec.md 4.H's "invoked in tight batches to amortise
// wakeups" posture.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeAll()

	for {
		if w.stopping.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.cfg.BusySpin {
			for i := 0; i < 1000; i++ {
				if _, err := w.r.Poll(); err != nil {
					return bursterr.Wrap("worker_run", err)
				}
			}
		} else {
			if _, err := w.r.PollWait(w.cfg.IdleWait); err != nil {
				return bursterr.Wrap("worker_run", err)
			}
		}
		w.drainTasks()
		w.pace()
	}
}

// pace drives the client-side pacing helper from spec.md 4.G: it computes
// how many messages should have gone out by now at this worker's share of
// the target rate, then issues Send calls — round-robin across this
// worker's own connections — until the local sent counter catches up. A
// connection whose Send reports backpressure just stops this tick; the
// next call to pace picks back up from paceIdx rather than retrying in
// place, per spec.md 4.G's "skip this tick and retry next" rule.
func (w *Worker) pace() {
	w.connMu.RLock()
	empty := len(w.connOrder) == 0
	w.connMu.RUnlock()
	if w.cfg.MessagesPerSecond <= 0 || empty {
		return
	}

	now := monotonicNowNs()
	if w.paceStartNs == 0 {
		w.paceStartNs = now
	}

	intervalNs := 1e9 / w.cfg.MessagesPerSecond
	expected := uint64(float64(now-w.paceStartNs) / intervalNs)

	for w.paceSent < expected {
		// Each connOrder/connections touch takes connMu for just this
		// lookup, never across the Send call below, so a concurrent
		// Counters/ConnectionCount read never blocks on an in-flight send
		// and dropConnection (which takes connMu itself) never deadlocks.
		w.connMu.Lock()
		if len(w.connOrder) == 0 {
			w.connMu.Unlock()
			return
		}
		if w.paceIdx >= len(w.connOrder) {
			w.paceIdx = 0
		}
		id := w.connOrder[w.paceIdx]
		c, ok := w.connections[id]
		if !ok {
			// Dropped between the start of this loop and now; prune and
			// retry without advancing paceSent.
			w.connOrder = append(w.connOrder[:w.paceIdx], w.connOrder[w.paceIdx+1:]...)
			w.connMu.Unlock()
			continue
		}
		w.connMu.Unlock()

		if c.send == nil || c.state != connFraming {
			w.paceIdx++
			continue
		}

		msgSize := w.cfg.MessageSize
		connID := c.id
		sendErr := c.send.Send(uint32(msgSize), func(dst []byte) {
			wire.PutTimestamp(dst, uint64(monotonicNowNs()))
			wire.FillPayload(dst, connID)
		})
		if sendErr != nil {
			if bursterr.Is(sendErr, bursterr.CategoryBackpressure) {
				return
			}
			w.dropConnection(c, sendErr)
			continue
		}

		w.paceSent++
		w.paceIdx++
	}
}

// Stop requests the loop to exit at its next iteration; it both sets the
// flag and wakes the reactor so a blocked PollWait returns promptly, per
// spec.md 5's shutdown-liveness rule.
func (w *Worker) Stop() {
	w.stopping.Store(true)
	_ = w.r.Wakeup()
}

func (w *Worker) closeAll() {
	for _, c := range w.connections {
		_ = c.sock.Close()
	}
	if w.providedPool != nil {
		_ = w.providedPool.Close()
	}
	if w.registeredPool != nil {
		_ = w.registeredPool.Close()
	}
	_ = w.r.Close()
}

// AddConnection is the task body posted by the acceptor's dispatcher: it
// runs on this worker's own goroutine/thread, guaranteeing the socket's
// receiver/sender are armed from the thread that owns them, per spec.md
// 4.I. The connection starts awaiting the client's 8-byte msg_size
// handshake before framing fixed-size messages.
func (w *Worker) AddConnection(sock *socket.Socket) {
	w.addConnection(sock, connAwaitingHandshake, true)
}

// AddSenderConnection registers an already-connected, already-handshaken
// client socket (the tcpburst-send binary's role): the handshake was
// written synchronously by the caller before the fd was handed to this
// worker, so the connection starts straight in framing mode, ready for
// Sender.Send calls from the pacing loop and (in echo mode) to receive
// bounced-back messages through the same onMessage latency path.
func (w *Worker) AddSenderConnection(sock *socket.Socket) *Connection {
	return w.addConnection(sock, connFraming, true)
}

// AddPassiveConnection registers an already-connected, already-handshaken
// client socket that should dial, receive, and (in echo mode) bounce
// traffic, but never be selected by pace's round-robin — the --senders
// knob's mechanism for opening more connections than actively generate
// load.
func (w *Worker) AddPassiveConnection(sock *socket.Socket) *Connection {
	return w.addConnection(sock, connFraming, false)
}

func (w *Worker) addConnection(sock *socket.Socket, initial connState, paced bool) *Connection {
	w.connMu.Lock()
	id := w.nextConnID
	w.nextConnID++

	c := &Connection{
		id:        id,
		sock:      sock,
		state:     initial,
		hsBuf:     make([]byte, 0, wire.HandshakeSize),
		framer:    wire.NewFramer(w.cfg.MessageSize),
		observer:  metrics.NewCountingObserver(w.hist),
		beginTsNs: monotonicNowNs(),
	}
	w.connections[id] = c
	if paced {
		w.connOrder = append(w.connOrder, id)
	}
	w.connMu.Unlock()

	switch {
	case w.uring != nil:
		cb := func(data []byte, err error) { w.onData(c, data, err) }
		if w.cfg.BundleReceive {
			c.recv = receiver.StartBundleURing(w.uring, sock.FD(), w.providedPool, cb).Receiver
		} else {
			c.recv = receiver.StartURing(w.uring, sock.FD(), w.providedPool, cb)
		}
		if w.registeredPool != nil {
			c.send = sender.New(w.uring, sock.FD(), w.registeredPool, w.cfg.SendListCapacity, w.cfg.ZeroCopy)
		}
	case w.epoll != nil:
		rv, err := receiver.StartEpoll(w.epoll, sock.FD(), int(w.cfg.ProvidedBufferSize), func(data []byte, err error) {
			w.onData(c, data, err)
		})
		if err != nil {
			w.log.Error("arm epoll receiver failed", "conn", id, "err", err)
			w.dropConnection(c, err)
			return nil
		}
		c.recv = rv
		if w.cfg.SendListCapacity > 0 {
			c.send = sender.NewEpoll(w.epoll, sock.FD(), w.cfg.SendListCapacity*int(w.cfg.ProvidedBufferSize))
		}
	}
	return c
}

// onData implements spec.md 4.H's framing loop plus the remote-
// close/error branches from spec.md 7.
func (w *Worker) onData(c *Connection, data []byte, err error) {
	if err != nil {
		if err == io.EOF {
			c.observer.Counters.Stop()
			w.dropConnection(c, nil)
			return
		}
		w.log.Warn("connection error", "conn", c.id, "err", err)
		w.dropConnection(c, err)
		return
	}

	c.observer.ObserveOp(uint64(len(data)), false, true)

	if c.state == connAwaitingHandshake {
		data = w.feedHandshake(c, data)
		if data == nil {
			return
		}
	}

	c.framer.Feed(data, func(msg []byte) {
		w.onMessage(c, msg)
	})
}

// feedHandshake accumulates bytes toward the 8-byte msg_size header,
// switching the connection to framing mode once complete and returning
// any bytes left over from this chunk for immediate framing. Returns nil
// while still short of a full header.
func (w *Worker) feedHandshake(c *Connection, data []byte) []byte {
	need := wire.HandshakeSize - len(c.hsBuf)
	if len(data) < need {
		c.hsBuf = append(c.hsBuf, data...)
		return nil
	}
	c.hsBuf = append(c.hsBuf, data[:need]...)
	if _, err := wire.DecodeHandshake(c.hsBuf); err != nil {
		w.dropConnection(c, err)
		return nil
	}
	c.state = connFraming
	return data[need:]
}

// onMessage is spec.md 4.H's "on_message": extract send_ts, compute
// recv_ts, push a Sample every collect_latency_every_n_samples messages,
// and in echo mode write the same bytes back out.
func (w *Worker) onMessage(c *Connection, msg []byte) {
	sendTs := wire.ExtractTimestamp(msg)
	recvTs := monotonicNowNs()

	c.observer.ObserveOp(0, true, true)

	idx := c.observer.Counters.Snapshot().Msgs
	if w.sampler.ShouldSample(idx) {
		sample := metrics.Sample{SendTsNs: int64(sendTs), RecvTsNs: recvTs}
		w.samples.Push(sample)
		c.observer.ObserveSample(sample)
	}

	if w.cfg.Echo && c.send != nil {
		payload := append([]byte(nil), msg...)
		if sendErr := c.send.Send(uint32(len(payload)), func(dst []byte) { copy(dst, payload) }); sendErr != nil {
			w.log.Warn("echo send backpressure", "conn", c.id, "err", sendErr)
		}
	}
}

func (w *Worker) dropConnection(c *Connection, err error) {
	if c.recv != nil {
		c.recv.Close()
	}
	_ = c.sock.Close()
	c.endTsNs = monotonicNowNs()

	w.connMu.Lock()
	delete(w.connections, c.id)
	for i, id := range w.connOrder {
		if id == c.id {
			w.connOrder = append(w.connOrder[:i], w.connOrder[i+1:]...)
			break
		}
	}
	w.connMu.Unlock()

	if err != nil && w.log != nil {
		w.log.Debug("connection dropped", "conn", c.id, "err", err)
	}
}

// Snapshot aggregates every live and historical connection's counters for
// the results writer / HUD. Safe to call from any goroutine; guarded by
// connMu like Counters and ConnectionCount.
func (w *Worker) Snapshot() metrics.Snapshot {
	w.connMu.RLock()
	defer w.connMu.RUnlock()
	var agg metrics.Snapshot
	for _, c := range w.connections {
		s := c.observer.Counters.Snapshot()
		agg.Ops += s.Ops
		agg.Msgs += s.Msgs
		agg.Bytes += s.Bytes
		agg.Errors += s.Errors
	}
	return agg
}

// DrainSamples returns and clears all samples collected since the last
// call, for the HUD's histogram update timer.
func (w *Worker) DrainSamples() []metrics.Sample {
	return w.samples.Drain()
}

func pinCurrentThread(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}

func monotonicNowNs() int64 {
	return time.Now().UnixNano()
}
