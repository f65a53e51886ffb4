package sender

import (
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/reactor"

	"golang.org/x/sys/unix"
)

// EpollSender is the epoll-engine counterpart to Sender: io_uring's fixed
// buffers and SEND_ZC aren't available outside that engine, so this
// drives a plain in-memory byte queue with a write(2)-until-EAGAIN loop
// armed on EPOLLOUT, following the same append/idle/open bookkeeping
// shape as Sender so callers (the worker's onMessage) don't need to care
// which engine backs a connection.
type EpollSender struct {
	fd    int
	epoll *reactor.EpollReactor

	queue    []byte
	capacity int
	armed    bool
	err      error
}

// NewEpoll builds an EpollSender bound to fd. capacityBytes bounds the
// pending-write queue; exceeding it is backpressure, never blocking,
// matching Sender's write_list-full contract.
func NewEpoll(r *reactor.EpollReactor, fd int, capacityBytes int) *EpollSender {
	return &EpollSender{fd: fd, epoll: r, capacity: capacityBytes}
}

func (s *EpollSender) Pending() int { return len(s.queue) }

func (s *EpollSender) Err() error { return s.err }

// Send appends size bytes (produced by fill) to the pending queue and
// arms EPOLLOUT if not already armed.
func (s *EpollSender) Send(size uint32, fill FillFunc) error {
	if s.err != nil {
		return s.err
	}
	if s.capacity > 0 && len(s.queue)+int(size) > s.capacity {
		return bursterr.New("send", bursterr.CategoryBackpressure, "epoll send queue full")
	}
	start := len(s.queue)
	s.queue = append(s.queue, make([]byte, size)...)
	fill(s.queue[start:])

	if !s.armed {
		if _, err := s.epoll.Arm(int32(s.fd), unix.EPOLLOUT, s.onWritable, nil); err != nil {
			return bursterr.Wrap("send", err)
		}
		s.armed = true
	}
	return nil
}

// onWritable drains the pending queue via write(2) until EAGAIN or the
// queue empties, at which point it disarms EPOLLOUT until the next Send.
func (s *EpollSender) onWritable(fd int32, events uint32, _ any) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		s.fail(bursterr.New("send", bursterr.CategoryConnError, "epoll error on send fd"))
		return
	}
	for len(s.queue) > 0 {
		n, err := unix.Write(s.fd, s.queue)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.fail(bursterr.NewWithErrno("send", bursterr.CategoryConnError, err.(unix.Errno)))
			return
		}
		s.queue = s.queue[n:]
	}
	_ = s.epoll.ClearEvents(fd, unix.EPOLLOUT)
	s.armed = false
}

// fail records a fatal send error. It deliberately leaves the fd's epoll
// registration alone: a receiver sharing this fd (the common case — every
// connection has both) still owns the registration and must keep running
// to observe the eventual EOF/RST.
func (s *EpollSender) fail(err error) {
	s.err = err
	if s.armed {
		_ = s.epoll.ClearEvents(int32(s.fd), unix.EPOLLOUT)
		s.armed = false
	}
}
