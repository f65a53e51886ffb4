// Package wire implements the handshake and per-message framing rules
// from spec.md 6: an 8-byte little-endian msg_size header followed by a
// stream of fixed-size messages whose first 8 bytes are a
// nanoseconds-since-epoch send timestamp. Struct-packing idiom (plain
// encoding/binary, no reflection) follows the teacher's marshal.go posture
// of hand-rolled little-endian packing over the standard library's binary
// package rather than a generic serialization library.
package wire

import (
	"encoding/binary"

	"github.com/tcpburst/tcpburst/internal/bursterr"
)

// HandshakeSize is the fixed width of the initial msg_size header.
const HandshakeSize = 8

// TimestampSize is the width of the embedded send timestamp prefix every
// message carries in bytes [0, 8).
const TimestampSize = 8

// EncodeHandshake writes msgSize as an 8-byte little-endian header, the
// first thing a client sends after connect(), per spec.md 6.
func EncodeHandshake(msgSize uint64) [HandshakeSize]byte {
	var buf [HandshakeSize]byte
	binary.LittleEndian.PutUint64(buf[:], msgSize)
	return buf
}

// DecodeHandshake parses the 8-byte header a server reads before arming
// its receiver. A short read is a protocol violation, not a transient
// error — the caller should drop the connection per spec.md 7.
func DecodeHandshake(buf []byte) (msgSize uint64, err error) {
	if len(buf) < HandshakeSize {
		return 0, bursterr.New("handshake", bursterr.CategoryProtocol, "short handshake read")
	}
	return binary.LittleEndian.Uint64(buf[:HandshakeSize]), nil
}

// PutTimestamp writes tsNanos into the first 8 bytes of msg, per spec.md
// 6's embedded-timestamp rule. msg must be at least TimestampSize long.
func PutTimestamp(msg []byte, tsNanos uint64) {
	binary.LittleEndian.PutUint64(msg[:TimestampSize], tsNanos)
}

// ExtractTimestamp reads the send timestamp back out of a reassembled
// message for latency sampling.
func ExtractTimestamp(msg []byte) uint64 {
	return binary.LittleEndian.Uint64(msg[:TimestampSize])
}

// FillPayload fills msg[TimestampSize:] with the reference diagnostic
// pattern from spec.md 6: 'a' + (i + conn_id) % 26, so a receiver or a
// test harness can eyeball a hexdump and spot corruption/reordering.
func FillPayload(msg []byte, connID uint64) {
	for i := TimestampSize; i < len(msg); i++ {
		msg[i] = byte('a' + (uint64(i)+connID)%26)
	}
}
