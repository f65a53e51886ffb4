package receiver

import (
	"io"

	"github.com/pawelgaczynski/giouring"

	"github.com/tcpburst/tcpburst/internal/bufpool"
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/reactor"

	"golang.org/x/sys/unix"
)

// ioringRecvsendBundle is the raw IORING_RECVSEND_BUNDLE ioprio flag
// (kernel uapi/linux/io_uring.h), set alongside IOSQE_BUFFER_SELECT to ask
// the kernel to coalesce several consecutive provided buffers into one
// completion instead of delivering one completion per buffer.
const ioringRecvsendBundle = 1 << 4

// BundleReceiver is the bundle-receive variant from spec.md 4.F: it
// requests IORING_RECVSEND_BUNDLE and, per the Open Question in spec.md 9
// ("the source neither probes nor fails over"), this implementation *does*
// feature-detect: the first completion with res < 0 and an errno
// indicating the kernel rejected the flag combination (EINVAL) causes a
// permanent fallback to the plain non-bundled Receiver for the remaining
// lifetime of the connection.
type BundleReceiver struct {
	*Receiver
	bundleSupported bool
	probed          bool
}

// StartBundleURing arms a bundle-aware multishot receive on fd.
func StartBundleURing(r *reactor.UringReactor, fd int, pool *bufpool.ProvidedPool, cb DataCallback) *BundleReceiver {
	br := &BundleReceiver{bundleSupported: true}
	br.Receiver = &Receiver{fd: fd, cb: cb, uring: r, pool: pool}
	br.armBundle()
	return br
}

func (br *BundleReceiver) armBundle() {
	br.req = br.uring.NewRequest(br.onCompletion, nil, func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRecvMultishot(br.fd, 0, 0, 0)
		sqe.Flags = giouring.SqeBufferSelect
		sqe.BufIG = br.pool.GroupID()
		if br.bundleSupported {
			sqe.Ioprio |= ioringRecvsendBundle
		}
	})
}

func (br *BundleReceiver) onCompletion(res int32, flags uint32, _ any) {
	switch {
	case res == 0:
		br.cb(nil, io.EOF)
	case res < 0:
		errno := unix.Errno(-res)
		if !br.probed && errno == unix.EINVAL && br.bundleSupported {
			// Kernel doesn't support IORING_RECVSEND_BUNDLE with
			// IOSQE_BUFFER_SELECT on this recv op; degrade permanently.
			br.probed = true
			br.bundleSupported = false
			br.armBundle()
			return
		}
		br.cb(nil, bursterr.NewWithErrno("recv_bundle", bursterr.CategoryConnError, errno))
	default:
		br.probed = true
		startID := uint16(flags >> giouring.CQEBufferShift)
		br.deliverBundle(startID, res)
	}

	if flags&giouring.CQEFMore == 0 && res > 0 {
		br.armBundle()
	}
}

// deliverBundle walks consecutive buffer IDs starting at startID, consuming
// min(remaining, buffer_size) from each, wrapping at the pool's buffer
// count, until total bytes are exhausted — spec.md 4.F's bundle decode
// rule. Every consumed buffer is delivered to cb and its ID collected for a
// single batched reprovision call at the end.
func (br *BundleReceiver) deliverBundle(startID uint16, total int32) {
	bufSize := int32(len(br.pool.Buffer(0)))
	count := br.pool.Count()
	remaining := total
	id := uint32(startID)
	var consumed []uint16

	for remaining > 0 {
		n := remaining
		if n > bufSize {
			n = bufSize
		}
		bufID := uint16(id)
		view := br.pool.FromCompletion(bufID, n)
		br.cb(view, nil)
		consumed = append(consumed, bufID)
		remaining -= n
		id = (id + 1) % count
	}

	br.pool.PushBuffers(consumed)
}
