//go:build linux

// Package bufpool implements the two buffer pools described in spec.md
// 4.B/4.C: a kernel-shared "provided buffer" ring the reactor selects
// receive buffers from (IOSQE_BUFFER_SELECT), and a registered (fixed)
// buffer table used for zero-copy send. Free-list/pooling idiom is
// adapted from internal/queue/pool.go's size-bucketed sync.Pool; the
// provided-buffer ring itself is set up and mutated through giouring's
// own BufAndRing (SetupBufRing/BufRingAdd/BufRingAdvance), which already
// performs the memory-barrier-before-publish dance internally — there is
// no separate hand-rolled ring here to fence.
package bufpool

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// ProvidedPool owns a single mmap'd region sliced into count fixed-size
// buffers, registered with the ring as a provided-buffer group via
// giouring.Ring.SetupBufRing. The pool is worker-local: exactly one
// goroutine (the owning worker's loop) ever touches it, so no locking
// guards the hot path.
type ProvidedPool struct {
	groupID    uint16
	bufferSize uint32
	count      uint32

	region []byte
	br     *giouring.BufAndRing
}

// NewProvidedPool mmaps bufferSize*count bytes for buffer storage and asks
// ring to set up a provided-buffer ring of count entries under groupID.
// count must be a power of two, matching io_uring_buf_ring's masking
// requirement (enforced by giouring.BufRingMask).
func NewProvidedPool(ring *giouring.Ring, groupID uint16, bufferSize uint32, count uint32) (*ProvidedPool, error) {
	if count == 0 || count&(count-1) != 0 {
		return nil, fmt.Errorf("bufpool: provided buffer count %d is not a power of two", count)
	}

	regionLen := int(bufferSize) * int(count)
	region, err := unix.Mmap(-1, 0, regionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("bufpool: mmap buffer region: %w", err)
	}

	br, err := ring.SetupBufRing(uint16(count), groupID, 0)
	if err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("bufpool: SetupBufRing: %w", err)
	}

	p := &ProvidedPool{
		groupID:    groupID,
		bufferSize: bufferSize,
		count:      count,
		region:     region,
		br:         br,
	}
	p.populateBuffers()
	return p, nil
}

// GroupID is the buf_group tag the reactor stamps into every recv SQE
// selecting from this ring, and that completions selecting from it report
// back via CQEFBuffer/CQEBufferShift.
func (p *ProvidedPool) GroupID() uint16 { return p.groupID }

// Count is the number of buffers in the ring, needed by callers (the
// bundle receiver) that must wrap a buffer id sequence modulo the ring
// size instead of incrementing it unbounded.
func (p *ProvidedPool) Count() uint32 { return p.count }

// Buffer returns the byte slice backing buffer index idx.
func (p *ProvidedPool) Buffer(idx uint16) []byte {
	off := uint32(idx) * p.bufferSize
	return p.region[off : off+p.bufferSize]
}

// FromCompletion slices out the bytes a recv completion actually filled,
// given the CQE's res (byte count) and the buffer id decoded from its
// flags — mirrors providedBuffers.get in the giouring reference usage this
// pool is grounded on.
func (p *ProvidedPool) FromCompletion(bufferID uint16, n int32) []byte {
	off := uint32(bufferID) * p.bufferSize
	return p.region[off : off+uint32(n)]
}

// populateBuffers publishes every buffer into the ring once, at
// construction time, per spec.md's populate_buffers operation.
func (p *ProvidedPool) populateBuffers() {
	mask := giouring.BufRingMask(p.count)
	for i := uint32(0); i < p.count; i++ {
		addr := uintptr(unsafe.Pointer(&p.region[i*p.bufferSize]))
		p.br.BufRingAdd(addr, p.bufferSize, uint16(i), mask, int(i))
	}
	p.br.BufRingAdvance(int(p.count))
}

// PushBuffer re-publishes a buffer the receiver is done with, per spec.md
// 4.B's "a consumed buffer is pushed back exactly once, never duplicated"
// invariant. Callers must not push a buffer index still referenced by
// another in-flight recv.
func (p *ProvidedPool) PushBuffer(idx uint16) {
	mask := giouring.BufRingMask(p.count)
	addr := uintptr(unsafe.Pointer(&p.region[uint32(idx)*p.bufferSize]))
	p.br.BufRingAdd(addr, p.bufferSize, idx, mask, 0)
	p.br.BufRingAdvance(1)
}

// PushBuffers re-publishes a batch in one ring-tail update, used when a
// bundle receive completion hands back several buffer indices at once.
func (p *ProvidedPool) PushBuffers(indices []uint16) {
	if len(indices) == 0 {
		return
	}
	mask := giouring.BufRingMask(p.count)
	for _, idx := range indices {
		addr := uintptr(unsafe.Pointer(&p.region[uint32(idx)*p.bufferSize]))
		p.br.BufRingAdd(addr, p.bufferSize, idx, mask, 0)
	}
	p.br.BufRingAdvance(len(indices))
}

// Close unmaps the backing region. The ring itself is torn down by the
// owning giouring.Ring's QueueExit.
func (p *ProvidedPool) Close() error {
	return unix.Munmap(p.region)
}
