//go:build linux

package bufpool

import (
	"testing"

	"github.com/pawelgaczynski/giouring"
	"github.com/stretchr/testify/require"
)

// newTestRing skips the test outright when io_uring isn't available in
// the sandbox running it (containers without the syscall allowed, older
// kernels), the same posture the teacher's own ring tests take for
// anything that depends on a real kernel facility.
func newTestRing(t *testing.T) *giouring.Ring {
	t.Helper()
	ring, err := giouring.CreateRing(64)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { ring.QueueExit() })
	return ring
}

func TestNewProvidedPoolRejectsNonPowerOfTwo(t *testing.T) {
	ring := newTestRing(t)
	_, err := NewProvidedPool(ring, 1, 4096, 3)
	require.Error(t, err)
}

func TestProvidedPoolBufferSlicing(t *testing.T) {
	ring := newTestRing(t)
	p, err := NewProvidedPool(ring, 2, 1024, 4)
	require.NoError(t, err)
	defer p.Close()

	b0 := p.Buffer(0)
	b1 := p.Buffer(1)
	require.Len(t, b0, 1024)
	require.Len(t, b1, 1024)

	b0[0] = 0xAB
	require.NotEqual(t, b0[0], b1[0])
}

func TestPushBufferAndFromCompletion(t *testing.T) {
	ring := newTestRing(t)
	p, err := NewProvidedPool(ring, 1, 256, 4)
	require.NoError(t, err)
	defer p.Close()

	buf := p.Buffer(0)
	copy(buf, []byte("hello"))

	got := p.FromCompletion(0, 5)
	require.Equal(t, "hello", string(got))

	p.PushBuffer(0)
	p.PushBuffers([]uint16{1, 2, 3})
}
