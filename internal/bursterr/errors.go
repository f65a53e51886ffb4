// Package bursterr implements the structured error taxonomy described in
// spec.md 7: every failure a reactor, worker, or sender can raise is
// classified into one of seven categories so callers can decide, without
// string-matching, whether a failure is fatal, recoverable, or merely
// informational. Shape (Op/Code/Errno/Inner, errors.Is/As support,
// errno-to-category mapping) is adapted directly from the teacher's
// errors.go, re-themed from ublk device/queue codes to the TCP taxonomy.
package bursterr

import (
	"errors"
	"fmt"
	"syscall"
)

// Category is the high-level classification from spec.md 7.
type Category string

const (
	// CategorySetup covers failures before a worker starts serving:
	// bad listen address, unsupported reactor engine, buffer pool
	// allocation failure. Always fatal.
	CategorySetup Category = "setup"

	// CategoryTransient covers short reads/writes, EAGAIN/EWOULDBLOCK,
	// and other conditions the reactor retries on its own. Never
	// surfaced to the caller; exists only so internal retry logic has a
	// name for "try again", and so tests can assert a given path
	// produces no user-visible error.
	CategoryTransient Category = "transient"

	// CategoryRemoteClose covers a peer's orderly close (EOF / recv
	// returning 0), reported up so callers can distinguish it from an
	// error.
	CategoryRemoteClose Category = "remote_close"

	// CategoryConnError covers abnormal connection termination: RST,
	// ECONNRESET, ETIMEDOUT on an established connection.
	CategoryConnError Category = "conn_error"

	// CategoryBackpressure covers a send or buffer acquisition that
	// could not proceed because a pool or queue was full. Per spec.md 7,
	// this is always returned as a failure to the caller, never silently
	// dropped.
	CategoryBackpressure Category = "backpressure"

	// CategoryProtocol covers a handshake or framing violation: a short
	// read that can never be completed, an out-of-range message size.
	CategoryProtocol Category = "protocol"

	// CategoryFatalReactor covers the reactor's own kernel interface
	// failing outright: io_uring_enter returning an unexpected errno,
	// epoll_wait failing for a reason other than EINTR. Always fatal.
	CategoryFatalReactor Category = "fatal_reactor"
)

// Fatal reports whether errors in this category should terminate the
// owning worker rather than being handled per-connection.
func (c Category) Fatal() bool {
	switch c {
	case CategorySetup, CategoryFatalReactor:
		return true
	default:
		return false
	}
}

// Error is the structured error type every tcpburst package returns
// instead of a bare error, so the taxonomy survives across package
// boundaries via errors.As.
type Error struct {
	Op     string // operation that failed, e.g. "accept", "send_zc", "dial"
	ConnID uint64 // connection identifier, 0 if not applicable
	Worker int    // worker index, -1 if not applicable
	Code   Category
	Errno  syscall.Errno // 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ConnID != 0 {
		parts = append(parts, fmt.Sprintf("conn=%d", e.ConnID))
	}
	if e.Worker >= 0 {
		parts = append(parts, fmt.Sprintf("worker=%d", e.Worker))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("tcpburst: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("tcpburst: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is(err, &Error{Code: CategoryX}) style category
// comparisons as well as direct *Error comparisons.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates a bare structured error with no connection/worker context.
func New(op string, code Category, msg string) *Error {
	return &Error{Op: op, Code: code, Worker: -1, Msg: msg}
}

// NewWithErrno creates a structured error carrying the triggering errno.
func NewWithErrno(op string, code Category, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: code, Worker: -1, Errno: errno, Msg: errno.Error()}
}

// ForConn creates a structured error scoped to a specific connection.
func ForConn(op string, connID uint64, code Category, msg string) *Error {
	return &Error{Op: op, ConnID: connID, Worker: -1, Code: code, Msg: msg}
}

// Wrap classifies inner (a raw syscall.Errno or arbitrary error) into the
// taxonomy, preserving an already-structured *Error's category instead of
// reclassifying it.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{
			Op: op, ConnID: e.ConnID, Worker: e.Worker,
			Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: e.Inner,
		}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, Worker: -1, Code: mapErrnoToCategory(errno),
			Errno: errno, Msg: errno.Error(), Inner: inner,
		}
	}
	return &Error{Op: op, Worker: -1, Code: CategoryConnError, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCategory classifies a raw errno per spec.md 7's taxonomy.
func mapErrnoToCategory(errno syscall.Errno) Category {
	switch errno {
	case syscall.EAGAIN, syscall.EINTR:
		return CategoryTransient
	case syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE, syscall.ECONNABORTED:
		return CategoryConnError
	case syscall.EINVAL, syscall.EMSGSIZE:
		return CategoryProtocol
	case syscall.ENOBUFS, syscall.ENOMEM:
		return CategoryBackpressure
	case syscall.EADDRINUSE, syscall.EADDRNOTAVAIL, syscall.EACCES, syscall.EPERM:
		return CategorySetup
	default:
		return CategoryFatalReactor
	}
}

// Is reports whether err is a *Error in the given category.
func Is(err error, code Category) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
