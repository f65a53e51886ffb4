//go:build linux

package reactor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EpollReactor is the epoll-backed Reactor, the portable fallback engine
// from spec.md 4.D for kernels or sandboxes without io_uring. Unlike the
// io_uring engine, epoll carries no per-operation user-data of its own —
// only a level/edge notification per fd — so this reactor keeps its own
// fd-to-slot table and leaves the actual drain-until-EAGAIN read/write
// loop to the caller (internal/acceptor, internal/receiver,
// internal/sender), exactly as gnet's loopRead/loopWrite do in
// other_examples/…li-ma-gnet__eventloop.go: one edge-triggered
// notification, then read/write/accept until EAGAIN.
type EpollReactor struct {
	epfd  int
	slots *requestSlots

	fdToIndex map[int32]uint32
	fdEvents  map[int32]uint32

	wakeupFD int
}

const epollMaxEvents = 256

func newEpollReactor(cfg Config) (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	r := &EpollReactor{
		epfd:      epfd,
		slots:     newRequestSlots(cfg.MaxInFlight),
		fdToIndex: make(map[int32]uint32, cfg.MaxInFlight),
		fdEvents:  make(map[int32]uint32, cfg.MaxInFlight),
		wakeupFD:  wfd,
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wfd),
	}); err != nil {
		r.Close()
		return nil, fmt.Errorf("reactor: arm wakeup fd: %w", err)
	}

	return r, nil
}

// Arm registers fd for the given edge-triggered event mask (unix.EPOLLIN /
// unix.EPOLLOUT, OR'd together), binding it to a fresh request slot.
// Events always include EPOLLERR/EPOLLHUP implicitly (the kernel reports
// these regardless of the requested mask).
//
// A second Arm call for an fd already registered (e.g. a receiver arming
// EPOLLIN, then a sender later arming EPOLLOUT on the same connection fd)
// merges into the existing registration via EPOLL_CTL_MOD instead of
// failing with EEXIST: the two completion handlers are combined so each
// only fires for the event bits it asked for.
func (r *EpollReactor) Arm(fd int32, events uint32, ch CompletionHandler, ctx any) (RequestHandle, error) {
	if prevIdx, ok := r.fdToIndex[fd]; ok {
		merged := r.fdEvents[fd] | events
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &unix.EpollEvent{
			Events: merged | unix.EPOLLET,
			Fd:     fd,
		}); err != nil {
			return RequestHandle{}, fmt.Errorf("reactor: epoll_ctl mod fd=%d: %w", fd, err)
		}
		r.fdEvents[fd] = merged
		r.slots.combine(prevIdx, events, ch, ctx)
		return RequestHandle{slots: r.slots, index: prevIdx}, nil
	}

	h := r.slots.acquire(ch, ctx)
	r.slots.slots[h.index].handlerMask = events
	r.fdToIndex[fd] = h.index
	r.fdEvents[fd] = events
	err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &unix.EpollEvent{
		Events: events | unix.EPOLLET,
		Fd:     fd,
	})
	if err != nil {
		delete(r.fdToIndex, fd)
		delete(r.fdEvents, fd)
		h.Release()
		return RequestHandle{}, fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	return h, nil
}

// Modify changes the armed event mask for fd (e.g. adding EPOLLOUT once a
// bundle sender has data queued).
func (r *EpollReactor) Modify(fd int32, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &unix.EpollEvent{
		Events: events | unix.EPOLLET,
		Fd:     fd,
	})
}

// ClearEvents drops the given bits from fd's armed event mask via
// EPOLL_CTL_MOD, without releasing the fd's request slot or handler —
// unlike Disarm, which tears down the whole registration. Used when a
// sender empties its queue and no longer needs EPOLLOUT, but a receiver
// sharing the same fd (merged via Arm) must stay armed.
func (r *EpollReactor) ClearEvents(fd int32, events uint32) error {
	remaining, ok := r.fdEvents[fd]
	if !ok {
		return nil
	}
	remaining &^= events
	r.fdEvents[fd] = remaining
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, int(fd), &unix.EpollEvent{
		Events: remaining | unix.EPOLLET,
		Fd:     fd,
	})
}

// Disarm removes fd from the epoll set and releases its slot. The caller
// is responsible for closing fd itself afterward.
func (r *EpollReactor) Disarm(fd int32) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if idx, ok := r.fdToIndex[fd]; ok {
		delete(r.fdToIndex, fd)
		delete(r.fdEvents, fd)
		RequestHandle{slots: r.slots, index: idx}.Release()
	}
}

func (r *EpollReactor) Poll() (int, error) {
	return r.wait(0)
}

func (r *EpollReactor) PollWait(timeout time.Duration) (int, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 {
			ms = 1
		}
	}
	return r.wait(ms)
}

func (r *EpollReactor) wait(timeoutMs int) (int, error) {
	var events [epollMaxEvents]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := events[i]
		if ev.Fd == int32(r.wakeupFD) {
			r.drainWakeup()
			continue
		}
		idx, ok := r.fdToIndex[ev.Fd]
		if !ok {
			continue
		}
		r.slots.dispatch(idx, 0, ev.Events)
		dispatched++
	}
	return dispatched, nil
}

func (r *EpollReactor) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(r.wakeupFD, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *EpollReactor) RunFor(ctx context.Context, idleWait time.Duration) error {
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

func (r *EpollReactor) Wakeup() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(r.wakeupFD, one[:])
	return err
}

func (r *EpollReactor) InFlight() int { return r.slots.len() }

func (r *EpollReactor) Close() error {
	_ = unix.Close(r.wakeupFD)
	return unix.Close(r.epfd)
}
