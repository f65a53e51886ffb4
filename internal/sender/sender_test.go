package sender

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tcpburst/tcpburst/internal/bufpool"
	"github.com/tcpburst/tcpburst/internal/bursterr"
	"github.com/tcpburst/tcpburst/internal/reactor"
)

func newTestPool(t *testing.T, bufferSize uint32, count int) *bufpool.RegisteredPool {
	t.Helper()
	p, err := bufpool.NewRegisteredPool(bufferSize, count)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// newTestURing returns a live io_uring reactor for tests whose completion
// path re-issues a send through prepareFront, which queues its submission
// on the reactor. These tests never poll it.
func newTestURing(t *testing.T) *reactor.UringReactor {
	t.Helper()
	r, err := reactor.New(reactor.Config{Engine: reactor.EngineURing, QueueDepth: 64, MaxInFlight: 64})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r.(*reactor.UringReactor)
}

func TestAppendGrowsTailWhenRoomRemains(t *testing.T) {
	pool := newTestPool(t, 64, 2)
	s := &Sender{pool: pool, capacity: 4}

	require.NoError(t, s.append(10, func(dst []byte) { copy(dst, "0123456789") }))
	require.Len(t, s.records, 1)

	require.NoError(t, s.append(5, func(dst []byte) { copy(dst, "abcde") }))
	require.Len(t, s.records, 1, "should grow the existing tail, not acquire a new buffer")
	require.EqualValues(t, 15, s.records[0].size)
	require.Equal(t, 1, pool.Available(), "only one buffer should ever have been acquired")
}

func TestAppendAcquiresNewBufferWhenTailFull(t *testing.T) {
	pool := newTestPool(t, 8, 2)
	s := &Sender{pool: pool, capacity: 4}

	require.NoError(t, s.append(8, func(dst []byte) { copy(dst, "abcdefgh") }))
	require.NoError(t, s.append(4, func(dst []byte) { copy(dst, "wxyz") }))
	require.Len(t, s.records, 2)
	require.Equal(t, 0, pool.Available())
}

func TestAppendFailsWhenPoolExhausted(t *testing.T) {
	pool := newTestPool(t, 8, 1)
	s := &Sender{pool: pool, capacity: 4}

	require.NoError(t, s.append(8, func(dst []byte) {}))
	err := s.append(8, func(dst []byte) {})
	require.Error(t, err)
	require.True(t, bursterr.Is(err, bursterr.CategoryBackpressure))
}

func TestAppendFailsWhenWriteListFull(t *testing.T) {
	pool := newTestPool(t, 8, 4)
	s := &Sender{pool: pool, capacity: 1}

	require.NoError(t, s.append(8, func(dst []byte) {}))
	err := s.append(8, func(dst []byte) {})
	require.Error(t, err)
	require.True(t, bursterr.Is(err, bursterr.CategoryBackpressure))
}

func TestSendRejectsOversizeMessage(t *testing.T) {
	pool := newTestPool(t, 8, 4)
	s := &Sender{pool: pool, capacity: 4}

	err := s.Send(9, func(dst []byte) {})
	require.Error(t, err)
	require.True(t, bursterr.Is(err, bursterr.CategoryProtocol))
}

func TestOnWriteCompletionReleasesBufferWhenFullyDrained(t *testing.T) {
	pool := newTestPool(t, 8, 1)
	s := &Sender{pool: pool, capacity: 4}
	require.NoError(t, s.append(8, func(dst []byte) {}))
	s.st = stateSubmitted

	s.onWriteCompletion(8, 0, nil)
	require.Empty(t, s.records)
	require.Equal(t, "idle", s.State())
	require.Equal(t, 1, pool.Available())
}

func TestOnWriteCompletionPartialAdvancesOffset(t *testing.T) {
	pool := newTestPool(t, 8, 1)
	s := &Sender{pool: pool, uring: newTestURing(t), capacity: 4}
	require.NoError(t, s.append(8, func(dst []byte) {}))
	s.st = stateSubmitted

	// Partial write: 5 of 8 bytes. The record stays queued with its offset
	// advanced, and prepareFront re-issues the remaining 3 bytes.
	s.onWriteCompletion(5, 0, nil)
	require.Len(t, s.records, 1)
	front := s.records[0]
	require.EqualValues(t, 5, front.offset)
	require.EqualValues(t, 3, front.size)
	require.Equal(t, "submitted", s.State())
	require.Equal(t, 0, pool.Available(), "a partially written buffer is not released")
}

func TestZeroCopyNotifyReleasesOnlyAfterPendingReachesZero(t *testing.T) {
	pool := newTestPool(t, 8, 1)
	s := &Sender{pool: pool, capacity: 4, zerocopy: true}
	require.NoError(t, s.append(8, func(dst []byte) {}))
	s.records[0].pendingNotify = 2
	s.activeIndex = 0

	s.onNotify()
	require.Len(t, s.records, 1, "buffer must not release before the last pending notify")
	require.Equal(t, 1, s.records[0].pendingNotify)

	s.onNotify()
	require.Empty(t, s.records, "buffer releases exactly once pending reaches zero")
	require.Equal(t, 1, pool.Available())
}

func TestZeroCopyCompletionAdvancesActiveWithoutReleasing(t *testing.T) {
	pool := newTestPool(t, 8, 2)
	s := &Sender{pool: pool, uring: newTestURing(t), capacity: 4, zerocopy: true}
	require.NoError(t, s.append(8, func(dst []byte) {}))
	require.NoError(t, s.append(8, func(dst []byte) {}))
	s.records[0].pendingNotify = 1
	s.records[1].pendingNotify = 1
	s.activeIndex = 0
	s.st = stateSubmitted

	s.onZeroCopyCompletion(8, 0, nil)
	require.Equal(t, 1, s.activeIndex, "active record fully sent, advances to next queued record")
	require.Len(t, s.records, 2, "zero-copy completion never releases a buffer on its own")
}
