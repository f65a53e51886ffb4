// Package sender implements Component G: the buffered bundle sender state
// machine from spec.md 4.G. It owns a bounded list of write records backed
// by a RegisteredBufferPool, coordinating a non-zero-copy write_fixed fast
// path and a zero-copy send_zc_fixed path with notification-gated buffer
// release. Grounded on other_examples/…ianic-xnet__aio-loop.go's
// prepareSend/prepareWritev shape for how a fixed-index operation is
// prepared against a reactor.
package sender

import (
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/tcpburst/tcpburst/internal/bufpool"
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/reactor"

	"golang.org/x/sys/unix"
)

// state is the {idle, open, submitted} enum from spec.md 4.G. zerocopy is
// an orthogonal flag that changes completion handling, not a fourth state.
type state int

const (
	stateIdle state = iota
	stateOpen
	stateSubmitted
)

// record is one entry of the write_list: a claim on one registered buffer,
// with offset/size tracking how much of it is still unsent. size is the
// number of bytes remaining to send starting at buf[offset:offset+size];
// appending more data into the same tail record grows size further.
type record struct {
	bufIndex      uint32
	buf           []byte
	offset        uint32
	size          uint32
	pendingNotify int
}

// FillFunc writes exactly len(dst) bytes of payload into dst.
type FillFunc func(dst []byte)

// Interface is satisfied by both Sender (io_uring) and EpollSender (epoll),
// letting worker.Connection stay engine-agnostic about which one backs a
// connection's send side.
type Interface interface {
	Send(size uint32, fill FillFunc) error
	Pending() int
	Err() error
}

var (
	_ Interface = (*Sender)(nil)
	_ Interface = (*EpollSender)(nil)
)

// Sender drives one connection's send side.
type Sender struct {
	fd       int
	pool     *bufpool.RegisteredPool
	uring    *reactor.UringReactor
	zerocopy bool
	capacity int

	records     []*record
	activeIndex int
	st          state
	err         error
}

// New builds a Sender bound to fd, drawing buffers from pool. capacity
// bounds write_list's length per spec.md 4.G's invariant; exceeding it is
// backpressure, never blocking.
func New(r *reactor.UringReactor, fd int, pool *bufpool.RegisteredPool, capacity int, zerocopy bool) *Sender {
	return &Sender{fd: fd, pool: pool, uring: r, capacity: capacity, zerocopy: zerocopy}
}

// State exposes the current {idle,open,submitted} state, mostly for tests.
func (s *Sender) State() string {
	switch s.st {
	case stateOpen:
		return "open"
	case stateSubmitted:
		return "submitted"
	default:
		return "idle"
	}
}

// Pending reports how many write records are queued, for metrics and the
// pacing helper's "overshoots buffer pool capacity" check.
func (s *Sender) Pending() int { return len(s.records) }

// Send implements spec.md 4.G's send contract.
func (s *Sender) Send(size uint32, fill FillFunc) error {
	if s.err != nil {
		return s.err
	}
	if size > s.pool.BufferSize() {
		return bursterr.New("send", bursterr.CategoryProtocol, "message exceeds registered buffer size")
	}

	if err := s.append(size, fill); err != nil {
		return err
	}

	if s.st == stateIdle {
		s.st = stateOpen
		s.prepareFront()
	}
	return nil
}

// append grows the tail record in place if it has room, else acquires a
// fresh buffer — failing if the pool is exhausted or write_list is full,
// per spec.md 4.G step 2.
func (s *Sender) append(size uint32, fill FillFunc) error {
	if n := len(s.records); n > 0 {
		tail := s.records[n-1]
		used := tail.offset + tail.size
		free := s.pool.BufferSize() - used
		if free >= size {
			fill(tail.buf[used : used+size])
			tail.size += size
			return nil
		}
	}

	if len(s.records) >= s.capacity {
		return bursterr.New("send", bursterr.CategoryBackpressure, "write_list full")
	}
	idx, buf, ok := s.pool.Acquire()
	if !ok {
		return bursterr.New("send", bursterr.CategoryBackpressure, "registered buffer pool exhausted")
	}
	fill(buf[:size])
	s.records = append(s.records, &record{bufIndex: idx, buf: buf, offset: 0, size: size})
	return nil
}

// prepareFront issues a submission for the currently active record — the
// front record for the non-zero-copy path, s.records[s.activeIndex] for
// zero-copy (they coincide until a record is exhausted mid-notification).
func (s *Sender) prepareFront() {
	if len(s.records) == 0 {
		s.st = stateIdle
		return
	}
	rec := s.records[s.activeIndex]
	s.st = stateSubmitted

	if s.zerocopy {
		rec.pendingNotify++
		s.uring.NewRequest(s.onZeroCopyCompletion, nil, func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareSendZCFixed(s.fd, uintptrOf(rec.buf, rec.offset), rec.size, unix.MSG_WAITALL, 0, int(rec.bufIndex))
			sqe.Ioprio |= giouring.IoringSendZCReportUsage
		})
		return
	}

	s.uring.NewRequest(s.onWriteCompletion, nil, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareWriteFixed(s.fd, uintptrOf(rec.buf, rec.offset), rec.size, 0, int(rec.bufIndex))
	})
}

// onWriteCompletion is the non-zero-copy completion path from spec.md
// 4.G: a partial write never needs a distinct retry state, it is simply
// re-prepared with the advanced offset.
func (s *Sender) onWriteCompletion(res int32, _ uint32, _ any) {
	if res < 0 {
		s.fail(bursterr.NewWithErrno("send", bursterr.CategoryConnError, unix.Errno(-res)))
		return
	}

	front := s.records[0]
	front.offset += uint32(res)
	front.size -= uint32(res)
	if front.size == 0 {
		s.pool.Release(front.bufIndex)
		s.records = s.records[1:]
	}

	if len(s.records) == 0 {
		s.st = stateIdle
		return
	}
	s.prepareFront()
}

// onZeroCopyCompletion handles both the ordinary completion CQE and the
// later CQE_F_NOTIF notification for the same submission, per spec.md
// 4.G's zero-copy rules.
func (s *Sender) onZeroCopyCompletion(res int32, flags uint32, _ any) {
	if flags&giouring.CQEFNotif != 0 {
		s.onNotify()
		return
	}

	if res < 0 {
		s.fail(bursterr.NewWithErrno("send_zc", bursterr.CategoryConnError, unix.Errno(-res)))
		return
	}

	active := s.records[s.activeIndex]
	active.offset += uint32(res)
	active.size -= uint32(res)

	if active.size == 0 {
		if s.activeIndex+1 < len(s.records) {
			s.activeIndex++
			s.prepareFront()
			return
		}
		s.st = stateIdle
		return
	}
	s.prepareFront()
}

// onNotify decrements the front record's pendingNotify; the buffer is
// released — and the record popped — only once it reaches zero, never
// before, per the resolved Open Question in spec.md 9.
func (s *Sender) onNotify() {
	if len(s.records) == 0 {
		return
	}
	front := s.records[0]
	front.pendingNotify--
	if front.pendingNotify > 0 {
		return
	}
	s.pool.Release(front.bufIndex)
	s.records = s.records[1:]
	if s.activeIndex > 0 {
		s.activeIndex--
	}
}

func (s *Sender) fail(err error) {
	s.err = err
	s.st = stateIdle
}

// Err returns the first fatal send error, after which Send always fails.
func (s *Sender) Err() error { return s.err }

func uintptrOf(buf []byte, offset uint32) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[offset]))
}
