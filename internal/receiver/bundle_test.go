//go:build linux

package receiver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tcpburst/tcpburst/internal/bufpool"
	"github.com/tcpburst/tcpburst/internal/reactor"
)

func newTestProvidedPool(t *testing.T, count uint32) (*reactor.UringReactor, *bufpool.ProvidedPool) {
	t.Helper()
	cfg := reactor.DefaultConfig()
	cfg.Engine = reactor.EngineURing
	cfg.QueueDepth = 64
	cfg.MaxInFlight = 64
	r, err := reactor.New(cfg)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	ur := r.(*reactor.UringReactor)
	pool, err := bufpool.NewProvidedPool(ur.Ring(), 0, 64, count)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return ur, pool
}

// TestDeliverBundleWrapsBufferIDModuloPoolCount exercises startID landing
// right at the top of the ring: the bundle must wrap around to buffer 0
// instead of indexing past the pool's backing region, per spec.md 4.F's
// "wrapping at the pool's buffer count" rule.
func TestDeliverBundleWrapsBufferIDModuloPoolCount(t *testing.T) {
	_, pool := newTestProvidedPool(t, 4)
	br := &BundleReceiver{Receiver: &Receiver{pool: pool}, bundleSupported: true}

	var delivered []int
	br.cb = func(data []byte, err error) {
		require.NoError(t, err)
		delivered = append(delivered, len(data))
	}

	// Buffer size is 64; start at the last buffer id (3) and consume
	// enough total bytes to spill into ids 0 and 1 as well.
	require.NotPanics(t, func() {
		br.deliverBundle(3, 64*3)
	})
	require.Equal(t, []int{64, 64, 64}, delivered)
}

// TestDeliverBundleSingleBufferNoWrap is the common case: a bundle that
// fits entirely within the ring without crossing its end.
func TestDeliverBundleSingleBufferNoWrap(t *testing.T) {
	_, pool := newTestProvidedPool(t, 4)
	br := &BundleReceiver{Receiver: &Receiver{pool: pool}, bundleSupported: true}

	var delivered []int
	br.cb = func(data []byte, err error) {
		require.NoError(t, err)
		delivered = append(delivered, len(data))
	}

	br.deliverBundle(1, 40)
	require.Equal(t, []int{40}, delivered)
}
