package wire

import "github.com/tcpburst/tcpburst/internal/bufpool"

// Framer reassembles a stream of arbitrarily-chunked receive buffers into
// fixed msgSize messages, per spec.md 4.H's "Framing on receive" rules.
// One Framer is owned by exactly one Connection; it is not safe for
// concurrent use.
type Framer struct {
	msgSize int
	partial []byte // staged bytes of an in-progress message, len < msgSize
}

// NewFramer allocates a Framer for fixed-size messages of msgSize bytes.
func NewFramer(msgSize int) *Framer {
	return &Framer{msgSize: msgSize}
}

// Feed consumes a chunk of newly received bytes, invoking onMessage once
// per complete, reassembled message it is able to produce — satisfying
// spec.md 8's property 3: onMessage never sees a partial message. The
// trailing remainder shorter than msgSize is staged in f.partial for the
// next call via bufpool's staging ladder so Feed never allocates on the
// steady-state path.
func (f *Framer) Feed(chunk []byte, onMessage func(msg []byte)) {
	pos := 0

	if len(f.partial) > 0 {
		need := f.msgSize - len(f.partial)
		if len(chunk) < need {
			f.partial = append(f.partial, chunk...)
			return
		}
		f.partial = append(f.partial, chunk[:need]...)
		onMessage(f.partial)
		bufpool.PutStaging(f.partial)
		f.partial = nil
		pos = need
	}

	for pos+f.msgSize <= len(chunk) {
		onMessage(chunk[pos : pos+f.msgSize])
		pos += f.msgSize
	}

	if remainder := len(chunk) - pos; remainder > 0 {
		f.partial = bufpool.GetStaging(f.msgSize)[:0]
		f.partial = append(f.partial, chunk[pos:]...)
	}
}

// Reset discards any in-progress partial message, e.g. on connection
// teardown so its staging buffer returns to the pool rather than leaking.
func (f *Framer) Reset() {
	if f.partial != nil {
		bufpool.PutStaging(f.partial)
		f.partial = nil
	}
}
