package acceptor

import (
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/socket"
)

// Inbox is the subset of a worker the dispatcher needs: a bounded
// cross-thread task queue, plus the ability to register a freshly
// accepted connection once that task runs on the owning thread.
// Satisfied by *worker.Worker.
type Inbox interface {
	Post(task func()) bool
	AddConnection(sock *socket.Socket)
}

// Dispatcher round-robins accepted sockets across a fixed set of worker
// inboxes, per spec.md 4.I. It is the acceptor's sole Callback consumer.
type Dispatcher struct {
	inboxes []Inbox
	nextIdx int
}

// NewDispatcher builds a round-robin dispatcher over inboxes.
func NewDispatcher(inboxes []Inbox) *Dispatcher {
	return &Dispatcher{inboxes: inboxes}
}

// Callback is handed to acceptor.Start. Accept errors are dropped (logged
// by the caller via a non-nil err); round-robin only advances on a
// successful accept so workers stay balanced per spec.md 8's property 7.
func (d *Dispatcher) Callback(sock *socket.Socket, err error) (*bursterr.Error, bool) {
	if err != nil {
		return bursterr.Wrap("dispatch", err), false
	}
	idx := d.nextIdx
	d.nextIdx = (d.nextIdx + 1) % len(d.inboxes)

	target := d.inboxes[idx]
	posted := target.Post(func() {
		target.AddConnection(sock)
	})
	if !posted {
		_ = sock.Close()
		return bursterr.New("dispatch", bursterr.CategoryBackpressure, "worker inbox full"), false
	}
	return nil, true
}
