//go:build linux

package receiver

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tcpburst/tcpburst/internal/reactor"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollReceiverDeliversWrittenBytes(t *testing.T) {
	cfg := reactor.DefaultConfig()
	cfg.Engine = reactor.EngineEpoll
	r, err := reactor.New(cfg)
	if err != nil {
		t.Skipf("epoll unavailable: %v", err)
	}
	defer r.Close()

	a, b := socketpair(t)

	var got []byte
	done := make(chan struct{}, 1)
	_, startErr := StartEpoll(r.(*reactor.EpollReactor), a, 4096, func(data []byte, err error) {
		if err == nil {
			got = append(got, data...)
			done <- struct{}{}
		}
	})
	require.NoError(t, startErr)

	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for len(got) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for data")
		default:
			r.PollWait(50 * time.Millisecond)
		}
	}
	require.Equal(t, "hello", string(got))
}

func TestEpollReceiverDeliversEOF(t *testing.T) {
	cfg := reactor.DefaultConfig()
	cfg.Engine = reactor.EngineEpoll
	r, err := reactor.New(cfg)
	if err != nil {
		t.Skipf("epoll unavailable: %v", err)
	}
	defer r.Close()

	a, b := socketpair(t)

	gotEOF := make(chan struct{}, 1)
	_, startErr := StartEpoll(r.(*reactor.EpollReactor), a, 4096, func(data []byte, err error) {
		if err == io.EOF {
			gotEOF <- struct{}{}
		}
	})
	require.NoError(t, startErr)

	require.NoError(t, unix.Close(b))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-gotEOF:
			return
		case <-deadline:
			t.Fatal("timed out waiting for EOF")
		default:
			r.PollWait(50 * time.Millisecond)
		}
	}
}
