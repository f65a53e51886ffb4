package bufpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RegisteredPool is the fixed/registered buffer table used for zero-copy
// send (spec.md 4.C): a page-aligned region sliced into BufferCount equal
// buffers, registered with the ring exactly once at startup via
// IORING_REGISTER_BUFFERS, then handed out to the bundle sender by a
// simple free-list stack. Like ProvidedPool, this is worker-local and
// unlocked on the hot path.
type RegisteredPool struct {
	bufferSize uint32
	count      int

	region []byte
	free   []uint32 // stack of free buffer indices
}

// NewRegisteredPool allocates a page-aligned region of bufferSize*count
// bytes. Alignment matters because IORING_REGISTER_BUFFERS performs
// better, and on some kernels requires, page-aligned iovecs.
func NewRegisteredPool(bufferSize uint32, count int) (*RegisteredPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("bufpool: registered buffer count must be > 0, got %d", count)
	}

	regionLen := int(bufferSize) * count
	region, err := unix.Mmap(-1, 0, regionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("bufpool: mmap registered region: %w", err)
	}

	free := make([]uint32, count)
	for i := range free {
		free[i] = uint32(count - 1 - i) // pop order doesn't matter, but stable for tests
	}

	return &RegisteredPool{
		bufferSize: bufferSize,
		count:      count,
		region:     region,
		free:       free,
	}, nil
}

// Iovecs returns the {base, len} pairs the reactor backend registers with
// IORING_REGISTER_BUFFERS. Must be called before any Acquire/Release so the
// registration matches the pool's initial layout; registration is one-shot
// per spec.md 4.C.
func (p *RegisteredPool) Iovecs() [][]byte {
	out := make([][]byte, p.count)
	for i := range out {
		off := uint32(i) * p.bufferSize
		out[i] = p.region[off : off+p.bufferSize]
	}
	return out
}

// Acquire pops a free buffer index, or ok=false if the pool is exhausted
// (the caller — the bundle sender — must treat this as backpressure, never
// block, per spec.md 4.G / 7).
func (p *RegisteredPool) Acquire() (index uint32, buf []byte, ok bool) {
	n := len(p.free)
	if n == 0 {
		return 0, nil, false
	}
	index = p.free[n-1]
	p.free = p.free[:n-1]
	off := index * p.bufferSize
	return index, p.region[off : off+p.bufferSize], true
}

// Release returns index to the free stack. The bundle sender calls this
// from the ordinary send completion once a buffer's bytes are all written,
// but in zero-copy mode only from its notification handler (CQE_F_NOTIF),
// so a buffer is never reused while the kernel might still be reading it
// for a deferred zero-copy transmission.
func (p *RegisteredPool) Release(index uint32) {
	p.free = append(p.free, index)
}

// Available reports the number of free buffers, for metrics/backpressure
// decisions in internal/sender.
func (p *RegisteredPool) Available() int { return len(p.free) }

// BufferSize returns the fixed size of every buffer in the pool.
func (p *RegisteredPool) BufferSize() uint32 { return p.bufferSize }

// Close unmaps the backing region.
func (p *RegisteredPool) Close() error {
	return unix.Munmap(p.region)
}
