// Package receiver implements Component F: a multishot receive over a
// provided-buffer pool (io_uring path) or a single owned buffer drained in
// an edge-triggered loop (epoll path). Grounded on
// other_examples/…ianic-xnet__aio-loop.go's prepareRecv/providedBuffers.get
// and …li-ma-gnet__eventloop.go's loopRead.
package receiver

import (
	"io"

	"github.com/pawelgaczynski/giouring"

	"github.com/tcpburst/tcpburst/internal/bufpool"
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/reactor"

	"golang.org/x/sys/unix"
)

// DataCallback delivers either a chunk of received bytes (err == nil) or a
// terminal condition: io.EOF for an orderly remote close, or a structured
// *bursterr.Error for anything else. data is only valid for the duration
// of the call — the receiver reprovisions or reuses the backing buffer
// immediately afterward.
type DataCallback func(data []byte, err error)

// Receiver drives one connection's receive side.
type Receiver struct {
	fd int
	cb DataCallback

	uring *reactor.UringReactor
	pool  *bufpool.ProvidedPool
	req   reactor.RequestHandle

	epoll   *reactor.EpollReactor
	scratch []byte
}

// StartURing arms a multishot receive on fd selecting buffers from pool,
// per spec.md 4.F: IOSQE_BUFFER_SELECT with buf_group = pool.GroupID().
func StartURing(r *reactor.UringReactor, fd int, pool *bufpool.ProvidedPool, cb DataCallback) *Receiver {
	rv := &Receiver{fd: fd, cb: cb, uring: r, pool: pool}
	rv.armURing()
	return rv
}

func (rv *Receiver) armURing() {
	rv.req = rv.uring.NewRequest(rv.onURingCompletion, nil, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRecvMultishot(rv.fd, 0, 0, 0)
		sqe.Flags = giouring.SqeBufferSelect
		sqe.BufIG = rv.pool.GroupID()
	})
}

// onURingCompletion implements spec.md 4.F's three-way split on res.
func (rv *Receiver) onURingCompletion(res int32, flags uint32, _ any) {
	switch {
	case res == 0:
		rv.cb(nil, io.EOF)
	case res < 0:
		rv.cb(nil, bursterr.NewWithErrno("recv", bursterr.CategoryConnError, unix.Errno(-res)))
	default:
		bufferID := uint16(flags >> giouring.CQEBufferShift)
		view := rv.pool.FromCompletion(bufferID, res)
		rv.cb(view, nil)
		rv.pool.PushBuffer(bufferID)
	}

	if flags&giouring.CQEFMore == 0 && res > 0 {
		rv.armURing()
	}
}

// StartEpoll arms a readable notification on fd; onEpollReadable drains
// read(2) into a single owned bufferSize-byte buffer until EAGAIN, the
// gnet loopRead posture — no kernel-shared buffer pool on this path.
func StartEpoll(r *reactor.EpollReactor, fd int, bufferSize int, cb DataCallback) (*Receiver, error) {
	rv := &Receiver{fd: fd, cb: cb, epoll: r, scratch: make([]byte, bufferSize)}
	if _, err := r.Arm(int32(fd), unix.EPOLLIN, rv.onEpollReadable, nil); err != nil {
		return nil, err
	}
	return rv, nil
}

func (rv *Receiver) onEpollReadable(fd int32, events uint32, _ any) {
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err == nil && errno != 0 {
			rv.cb(nil, bursterr.NewWithErrno("recv", bursterr.CategoryConnError, unix.Errno(errno)))
		} else {
			rv.cb(nil, bursterr.New("recv", bursterr.CategoryConnError, "EPOLLERR/EPOLLHUP"))
		}
		return
	}

	for {
		n, err := unix.Read(int(fd), rv.scratch)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			rv.cb(nil, bursterr.NewWithErrno("recv", bursterr.CategoryConnError, err.(unix.Errno)))
			return
		}
		if n == 0 {
			rv.cb(nil, io.EOF)
			return
		}
		rv.cb(rv.scratch[:n], nil)
	}
}

// Close tears down the armed notification; for the epoll path the caller
// must also close the underlying fd.
func (rv *Receiver) Close() {
	if rv.epoll != nil {
		rv.epoll.Disarm(int32(rv.fd))
	}
}
