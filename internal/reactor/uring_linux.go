//go:build linux

package reactor

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// UringReactor is the io_uring backed Reactor. Submission/completion
// handling (GetSQE-or-queue-pending, SubmitAndWait, PeekBatchCQE/
// CQAdvance, a user-data-keyed callback table) is grounded directly on
// other_examples/…ianic-xnet__aio-loop.go's Loop type, the pack's only
// real usage example of github.com/pawelgaczynski/giouring for a TCP
// event loop.
type UringReactor struct {
	ring  *giouring.Ring
	slots *requestSlots

	// pending holds SQE-filling closures that couldn't get a submission
	// queue entry because the ring was momentarily full; flushed on the
	// next successful Submit. Distinct from a Request's own deferred
	// PrepareHandler, which defers *which* operation to issue rather than
	// retrying a full ring.
	pending []func(*giouring.SubmissionQueueEntry)

	wakeupFD int
}

const batchSize = 256

func newUringReactor(cfg Config) (Reactor, error) {
	ring, err := giouring.CreateRing(cfg.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("reactor: io_uring unavailable: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ring.QueueExit()
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	r := &UringReactor{
		ring:     ring,
		slots:    newRequestSlots(cfg.MaxInFlight),
		wakeupFD: wfd,
	}
	r.armWakeupRead()
	return r, nil
}

// Ring exposes the underlying giouring.Ring for bufpool's ProvidedPool
// setup, which registers a provided-buffer ring directly with it.
func (r *UringReactor) Ring() *giouring.Ring { return r.ring }

// RegisterBuffers performs the one-shot IORING_REGISTER_BUFFERS call for
// a bufpool.RegisteredPool's iovecs, per spec.md 4.C. Must be called once,
// before any registered-buffer send is issued.
func (r *UringReactor) RegisterBuffers(bufs [][]byte) error {
	iovecs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iovecs[i].Base = &b[0]
		iovecs[i].SetLen(len(b))
	}
	return r.ring.RegisterBuffers(iovecs)
}

// NewRequest acquires a free request slot bound to ch, and a submission
// queue entry to fill in with the desired opcode. If the ring is
// momentarily full, fill is queued and applied on the next successful
// Submit instead of failing outright, matching the teacher's prepare/
// preparePending fallback.
func (r *UringReactor) NewRequest(ch CompletionHandler, cctx any, fill func(*giouring.SubmissionQueueEntry)) RequestHandle {
	h := r.slots.acquire(ch, cctx)
	sqe := r.ring.GetSQE()
	if sqe == nil {
		idx := h.index
		r.pending = append(r.pending, func(sqe *giouring.SubmissionQueueEntry) {
			sqe.UserData = uint64(idx)
			fill(sqe)
		})
		return h
	}
	sqe.UserData = uint64(h.index)
	fill(sqe)
	return h
}

// Rearm re-fills the SQE for an already-acquired handle — used by the
// acceptor/receiver to re-issue a single-shot accept/recv after a
// completion arrives without CQE_F_MORE (the kernel stopped multishot
// delivery and expects a fresh submission).
func (r *UringReactor) Rearm(h RequestHandle, fill func(*giouring.SubmissionQueueEntry)) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		idx := h.index
		r.pending = append(r.pending, func(sqe *giouring.SubmissionQueueEntry) {
			sqe.UserData = uint64(idx)
			fill(sqe)
		})
		return
	}
	sqe.UserData = uint64(h.index)
	fill(sqe)
}

func (r *UringReactor) flushPending() {
	if len(r.pending) == 0 {
		return
	}
	applied := 0
	for _, fill := range r.pending {
		sqe := r.ring.GetSQE()
		if sqe == nil {
			break
		}
		fill(sqe)
		applied++
	}
	if applied == len(r.pending) {
		r.pending = nil
	} else {
		r.pending = r.pending[applied:]
	}
}

func (r *UringReactor) submit() (uint32, error) {
	r.slots.drainPrepares()
	r.flushPending()
	return r.ring.Submit()
}

// Poll drains available completions without blocking.
func (r *UringReactor) Poll() (int, error) {
	if _, err := r.submit(); err != nil && !temporaryErrno(err) {
		return 0, err
	}
	return r.drainCompletions(), nil
}

// PollWait blocks until at least one completion is ready.
func (r *UringReactor) PollWait(timeout time.Duration) (int, error) {
	r.slots.drainPrepares()
	r.flushPending()

	var err error
	if timeout <= 0 {
		_, err = r.ring.SubmitAndWait(1)
	} else {
		if _, serr := r.ring.Submit(); serr != nil && !temporaryErrno(serr) {
			return 0, serr
		}
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		_, err = r.ring.WaitCQEs(1, &ts, nil)
	}
	if err != nil && !temporaryErrno(err) && !isTimeoutErrno(err) {
		return 0, err
	}
	return r.drainCompletions(), nil
}

func isTimeoutErrno(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && errno == unix.ETIME
}

func (r *UringReactor) drainCompletions() int {
	var cqes [batchSize]*giouring.CompletionQueueEvent
	total := 0
	for {
		n := r.ring.PeekBatchCQE(cqes[:])
		for _, cqe := range cqes[:n] {
			if cqe.UserData == wakeupUserData {
				r.armWakeupRead()
				continue
			}
			idx := uint32(cqe.UserData)
			r.slots.dispatch(idx, cqe.Res, cqe.Flags)
			if cqe.Flags&giouring.CQEFMore == 0 {
				r.slots.release(idx)
			}
		}
		r.ring.CQAdvance(n)
		total += int(n)
		if n < uint32(len(cqes)) {
			return total
		}
	}
}

// RunFor pumps PollWait in a loop until ctx is cancelled.
func (r *UringReactor) RunFor(ctx context.Context, idleWait time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if _, err := r.PollWait(idleWait); err != nil {
			return err
		}
	}
}

const wakeupUserData = ^uint64(0) // reserved, never a valid slot index

// armWakeupRead (re-)arms a one-shot read of the wakeup eventfd, exactly
// as the recv path re-arms after a single-shot completion: the buffer
// itself is discarded, only the completion's occurrence matters.
func (r *UringReactor) armWakeupRead() {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		// Ring momentarily full; the next drainCompletions call will free
		// SQEs and a later Poll/PollWait will retry via pending.
		r.pending = append(r.pending, func(sqe *giouring.SubmissionQueueEntry) {
			r.prepWakeupRead(sqe)
		})
		return
	}
	r.prepWakeupRead(sqe)
}

var wakeupScratch [8]byte

func (r *UringReactor) prepWakeupRead(sqe *giouring.SubmissionQueueEntry) {
	sqe.PrepareRead(r.wakeupFD, uintptr(unsafe.Pointer(&wakeupScratch[0])), uint32(len(wakeupScratch)), 0)
	sqe.UserData = wakeupUserData
}

// Wakeup writes to the eventfd from any thread, forcing a blocked
// PollWait to return.
func (r *UringReactor) Wakeup() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(r.wakeupFD, one[:])
	return err
}

func (r *UringReactor) InFlight() int { return r.slots.len() }

func (r *UringReactor) Close() error {
	_ = unix.Close(r.wakeupFD)
	r.ring.QueueExit()
	return nil
}

func temporaryErrno(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && (errno == unix.EINTR || errno == unix.EAGAIN)
}
