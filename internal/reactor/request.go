package reactor

import "sync"

// CompletionHandler is invoked once per completion event. res is the raw
// kernel result (byte count, or a negative errno); flags carries engine
// specific bits (e.g. CQE_F_MORE / CQE_F_NOTIF for io_uring, EPOLL* bits for
// epoll). The handler may re-arm the request by calling
// UringReactor.NewRequest or Rearm again from inside itself.
type CompletionHandler func(res int32, flags uint32, ctx any)

// PrepareHandler is invoked just before a deferred request is submitted,
// letting the caller fill in the submission at the last possible moment so
// that preparation can be coalesced with submission of other requests.
type PrepareHandler func(ctx any)

// request is a free-list slot. Its index is what the completion's
// user-data encodes, so the index stays bound to the slot until released.
type request struct {
	inUse bool

	completionHandler CompletionHandler
	completionCtx     any
	handlerMask       uint32

	prepareHandler PrepareHandler
	prepareCtx     any
	needsPrepare   bool
}

// RequestHandle is a move-only reference to a request slot. The zero value
// is not valid; obtain one from UringReactor.NewRequest or
// EpollReactor.Arm. Dropping a handle without
// calling Release leaks the slot, mirroring the teacher's free-list-backed
// list of in-flight ublk commands.
type RequestHandle struct {
	slots *requestSlots
	index uint32
}

// Index returns the stable slot index for this handle. Reactor
// implementations encode this (optionally combined with a generation or
// connection tag in the high bits) as the io_uring user-data / epoll
// registration key, per spec.md 4.D: "the handle's address is stable for
// the request's lifetime; a completion event's user-data equals that
// address."
func (h RequestHandle) Index() uint32 { return h.index }

// Valid reports whether the handle still refers to a live slot.
func (h RequestHandle) Valid() bool { return h.slots != nil }

// Release returns the slot to the free list. Safe to call once; calling it
// twice on a handle that has already been reused elsewhere is a caller bug
// (matches the teacher's "undefined behaviour if empty" posture on
// RegisteredBufferPool.acquire()).
func (h RequestHandle) Release() {
	if h.slots == nil {
		return
	}
	h.slots.release(h.index)
}

// requestSlots is the free-list-backed store of in-flight requests, shared
// by both reactor engines. One instance per Reactor; never touched from
// more than the owning worker's goroutine, so no locking is required on the
// hot path — the mutex only guards the rare cross-thread Wakeup-adjacent
// bookkeeping in tests that probe slot state from outside the loop.
type requestSlots struct {
	mu    sync.Mutex
	slots []request
	free  []uint32
}

func newRequestSlots(capacity int) *requestSlots {
	return &requestSlots{
		slots: make([]request, 0, capacity),
		free:  make([]uint32, 0, capacity),
	}
}

// acquire reserves a slot, growing the backing slice if the free list is
// empty, and returns a handle bound to it.
func (s *requestSlots) acquire(ch CompletionHandler, cctx any) RequestHandle {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, request{})
	}
	s.slots[idx] = request{
		inUse:             true,
		completionHandler: ch,
		completionCtx:     cctx,
	}
	return RequestHandle{slots: s, index: idx}
}

// setPrepare defers preparation of idx's submission until the next flush.
func (s *requestSlots) setPrepare(idx uint32, ph PrepareHandler, pctx any) {
	r := &s.slots[idx]
	r.prepareHandler = ph
	r.prepareCtx = pctx
	r.needsPrepare = true
}

// drainPrepares invokes and clears every slot's pending PrepareHandler.
// Called once per pump, right before submission, so that many requests
// prepared within the same iteration submit in a single syscall.
func (s *requestSlots) drainPrepares() {
	for i := range s.slots {
		r := &s.slots[i]
		if !r.inUse || !r.needsPrepare {
			continue
		}
		r.needsPrepare = false
		if r.prepareHandler != nil {
			r.prepareHandler(r.prepareCtx)
		}
	}
}

// combine merges an additional (eventMask, handler) pair into an
// already-acquired slot, used by EpollReactor.Arm when a second caller
// registers interest on an fd that's already armed (e.g. a receiver's
// EPOLLIN handler and a sender's EPOLLOUT handler sharing one connection
// fd). The slot's handler becomes a dispatcher that calls each registered
// handler only when the fired event bits intersect the mask it was
// combined with; prevMask defaults to everything so the first handler
// (registered before any mask tracking existed for it) keeps firing on
// every event, matching its pre-merge behavior.
func (s *requestSlots) combine(idx uint32, eventMask uint32, ch CompletionHandler, cctx any) {
	r := &s.slots[idx]
	prevHandler := r.completionHandler
	prevCtx := r.completionCtx
	prevMask := r.handlerMask
	if prevMask == 0 {
		prevMask = ^uint32(0)
	}
	r.handlerMask = prevMask | eventMask

	// EPOLLERR/EPOLLHUP (values 0x8, 0x10, matching golang.org/x/sys/unix)
	// are always reported by the kernel regardless of the requested event
	// mask, so both combined handlers must see them even though neither
	// explicitly asked for EPOLLOUT|EPOLLIN together.
	const epollErrHup = 0x8 | 0x10
	r.completionHandler = func(res int32, flags uint32, ctx any) {
		if prevHandler != nil && flags&(prevMask|epollErrHup) != 0 {
			prevHandler(res, flags, prevCtx)
		}
		if flags&(eventMask|epollErrHup) != 0 {
			ch(res, flags, cctx)
		}
	}
}

func (s *requestSlots) dispatch(idx uint32, res int32, flags uint32) {
	if int(idx) >= len(s.slots) {
		return
	}
	r := &s.slots[idx]
	if !r.inUse || r.completionHandler == nil {
		return
	}
	r.completionHandler(res, flags, r.completionCtx)
}

func (s *requestSlots) release(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.slots) || !s.slots[idx].inUse {
		return
	}
	s.slots[idx] = request{}
	s.free = append(s.free, idx)
}

func (s *requestSlots) len() int {
	return len(s.slots) - len(s.free)
}
