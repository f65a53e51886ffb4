// Package acceptor implements Component E: a multishot-accept listener
// that hands freshly accepted sockets to a per-accept callback. Grounded
// on other_examples/…ianic-xnet__aio-loop.go's Loop.Listen/
// prepareMultishotAccept for the io_uring path and …li-ma-gnet__eventloop.go's
// loopAccept for the epoll path.
package acceptor

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"

	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/reactor"
	"github.com/tcpburst/tcpburst/internal/socket"

	"golang.org/x/sys/unix"
)

// Callback receives each accepted connection, or an error if the accept
// itself failed. The callback owns sock from then on: the acceptor never
// closes or reuses it.
type Callback func(sock *socket.Socket, err error)

// Acceptor arms a multishot accept over a listening socket and re-arms
// itself whenever the kernel (or epoll) stops delivering without being
// asked to.
type Acceptor struct {
	listener *socket.Socket
	cb       Callback

	uring *reactor.UringReactor
	epoll *reactor.EpollReactor
}

// Listen creates a non-blocking, SO_REUSEADDR listening socket bound to
// addr, per spec.md 4.E / 6.
func Listen(addr string) (*socket.Socket, error) {
	l, err := socket.Listener(addr, true)
	if err != nil {
		return nil, bursterr.Wrap("listen", err)
	}
	return l, nil
}

// Start arms the accept loop on r for listener, invoking cb on every
// accepted connection or accept error. r must be the same engine the
// worker's reactor uses.
func Start(r reactor.Reactor, listener *socket.Socket, cb Callback) (*Acceptor, error) {
	a := &Acceptor{listener: listener, cb: cb}

	switch eng := r.(type) {
	case *reactor.UringReactor:
		a.uring = eng
		a.armURing()
	case *reactor.EpollReactor:
		a.epoll = eng
		if err := a.armEpoll(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("acceptor: unsupported reactor type %T", r)
	}
	return a, nil
}

func (a *Acceptor) armURing() {
	a.uring.NewRequest(a.onURingCompletion, nil, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareMultishotAccept(a.listener.FD(), 0, 0, 0)
	})
}

// onURingCompletion handles a single accept completion. Per spec.md 4.E: if
// res >= 0 it's a new connection fd; if res < 0 it's an accept error.
// Absent CQE_F_MORE, the acceptor must re-arm itself — the kernel ended the
// multishot stream (e.g. listener closed, or a rare one-shot fallback).
func (a *Acceptor) onURingCompletion(res int32, flags uint32, _ any) {
	if res >= 0 {
		a.cb(socket.FromFD(int(res)), nil)
	} else {
		a.cb(nil, bursterr.NewWithErrno("accept", bursterr.CategoryConnError, unix.Errno(-res)))
	}
	if flags&giouring.CQEFMore == 0 {
		a.armURing()
	}
}

func (a *Acceptor) armEpoll() error {
	_, err := a.epoll.Arm(int32(a.listener.FD()), unix.EPOLLIN, a.onEpollReadable, nil)
	if err != nil {
		return fmt.Errorf("acceptor: arm listener: %w", err)
	}
	return nil
}

// onEpollReadable drains accept(2) in a loop until EAGAIN, the
// edge-triggered posture from li-ma-gnet's loopAccept: one EPOLLIN
// notification can represent many pending connections.
func (a *Acceptor) onEpollReadable(_ int32, events uint32, _ any) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		a.cb(nil, bursterr.New("accept", bursterr.CategoryConnError, "listener epoll error"))
		return
	}
	for {
		fd, _, err := unix.Accept4(a.listener.FD(), unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			a.cb(nil, bursterr.NewWithErrno("accept", bursterr.CategoryConnError, err.(unix.Errno)))
			return
		}
		a.cb(socket.FromFD(fd), nil)
	}
}

// Close stops accepting and closes the listening socket. Outstanding
// multishot accept completions still in flight are reaped by the owning
// reactor's teardown (io_uring_queue_exit / epoll fd close), per spec.md 5.
func (a *Acceptor) Close() error {
	if a.epoll != nil {
		a.epoll.Disarm(int32(a.listener.FD()))
	}
	return a.listener.Close()
}
