// Package socket wraps raw, non-blocking TCP file descriptors (Component A).
// Every operation here is a thin syscall wrapper — no net.Conn involved,
// matching the teacher's posture throughout internal/queue/runner.go of
// driving fds directly with golang.org/x/sys/unix rather than the
// standard library's networking stack, because the reactor needs to
// register raw fds (or fixed-file slots) and flip socket options
// (SO_ZEROCOPY, SO_REUSEADDR, TCP_NODELAY) that net.Conn doesn't expose.
package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Socket is a non-blocking IPv4/IPv6 TCP file descriptor.
type Socket struct {
	fd int
}

// FromFD wraps an already-open fd (e.g. one handed back by accept4).
func FromFD(fd int) *Socket { return &Socket{fd: fd} }

// FD returns the raw file descriptor, for registering with a Reactor.
func (s *Socket) FD() int { return s.fd }

// New opens a non-blocking TCP socket for the given address family
// (unix.AF_INET or unix.AF_INET6).
func New(family int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: socket(): %w", err)
	}
	return &Socket{fd: fd}, nil
}

// Listener opens, binds and listens on addr (host:port), returning a
// ready-to-accept non-blocking listening socket. reuseAddr sets
// SO_REUSEADDR before bind so a restarted sink can rebind immediately.
func Listener(addr string, reuseAddr bool) (*Socket, error) {
	host, port, sa, family, err := resolveSockaddr(addr)
	_ = host
	_ = port
	if err != nil {
		return nil, err
	}

	s, err := New(family)
	if err != nil {
		return nil, err
	}
	if reuseAddr {
		if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			s.Close()
			return nil, fmt.Errorf("socket: SO_REUSEADDR: %w", err)
		}
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		s.Close()
		return nil, fmt.Errorf("socket: bind(%s): %w", addr, err)
	}
	if err := unix.Listen(s.fd, listenBacklog); err != nil {
		s.Close()
		return nil, fmt.Errorf("socket: listen(%s): %w", addr, err)
	}
	return s, nil
}

// listenBacklog is the default backlog depth for new listeners; large
// enough that a burst of concurrent connecting load generators doesn't
// see ECONNREFUSED before the acceptor has a chance to multishot-accept.
const listenBacklog = 4096

// Dial opens a non-blocking socket and issues a connect(2) to addr,
// returning immediately: an in-progress connect (unix.EINPROGRESS) is not
// reported as an error, so the caller waits for the socket to become
// writable and then calls CompleteConnect.
func Dial(addr string) (*Socket, error) {
	_, _, sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}
	s, err := New(family)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(s.fd, sa); err != nil && err != unix.EINPROGRESS {
		s.Close()
		return nil, fmt.Errorf("socket: connect(%s): %w", addr, err)
	}
	return s, nil
}

// CompleteConnect checks SO_ERROR after a connect's writable completion
// fires, returning the connect's final outcome (nil on success).
func (s *Socket) CompleteConnect() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("socket: SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// SetNoDelay toggles TCP_NODELAY, disabling Nagle's algorithm so small
// fixed-size messages aren't coalesced and delayed.
func (s *Socket) SetNoDelay(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetZeroCopy enables SO_ZEROCOPY, required before the sender can issue
// IORING_OP_SEND_ZC / MSG_ZEROCOPY sends on this fd.
func (s *Socket) SetZeroCopy() error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1)
}

// SetRecvBuf and SetSendBuf size the kernel socket buffers; tcpburst
// exposes both as tuning flags (spec.md 6) since an undersized buffer
// caps achievable throughput well before the reactor or buffer pools do.
func (s *Socket) SetRecvBuf(bytes int) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
}

func (s *Socket) SetSendBuf(bytes int) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bytes)
}

// Close closes the underlying fd. Safe to call once; calling twice
// double-closes and is a caller bug, matching the teacher's Runner.Close.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// resolveSockaddr resolves host:port into a unix.Sockaddr plus the address
// family to create the socket with. IPv6 literals are supported via
// net.SplitHostPort/net.ParseIP rather than reimplementing address
// parsing, matching spec.md's Non-goal on not reinventing what the
// standard library already does correctly for a one-shot lookup.
func resolveSockaddr(addr string) (host, port string, sa unix.Sockaddr, family int, err error) {
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		return "", "", nil, 0, fmt.Errorf("socket: bad address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return "", "", nil, 0, fmt.Errorf("socket: resolve %q: %w", host, lookupErr)
		}
		ip = ips[0]
	}

	var p int
	if _, err = fmt.Sscanf(port, "%d", &p); err != nil {
		return "", "", nil, 0, fmt.Errorf("socket: bad port %q: %w", port, err)
	}

	if ip4 := ip.To4(); ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		return host, port, &unix.SockaddrInet4{Port: p, Addr: a}, unix.AF_INET, nil
	}
	var a [16]byte
	copy(a[:], ip.To16())
	return host, port, &unix.SockaddrInet6{Port: p, Addr: a}, unix.AF_INET6, nil
}
