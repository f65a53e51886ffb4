package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseReusesSlot(t *testing.T) {
	s := newRequestSlots(2)
	h1 := s.acquire(nil, nil)
	require.Equal(t, uint32(0), h1.Index())
	h1.Release()

	h2 := s.acquire(nil, nil)
	require.Equal(t, uint32(0), h2.Index(), "freed slot should be reused before growing")
}

func TestDispatchInvokesHandlerWithCtx(t *testing.T) {
	s := newRequestSlots(1)
	var gotRes int32
	var gotFlags uint32
	var gotCtx any

	h := s.acquire(func(res int32, flags uint32, ctx any) {
		gotRes, gotFlags, gotCtx = res, flags, ctx
	}, "hello")

	s.dispatch(h.Index(), 42, 7)
	require.Equal(t, int32(42), gotRes)
	require.Equal(t, uint32(7), gotFlags)
	require.Equal(t, "hello", gotCtx)
}

func TestDispatchAfterReleaseIsNoOp(t *testing.T) {
	s := newRequestSlots(1)
	called := false
	h := s.acquire(func(int32, uint32, any) { called = true }, nil)
	h.Release()
	s.dispatch(h.Index(), 1, 0)
	require.False(t, called)
}

func TestDrainPreparesRunsOncePerSlot(t *testing.T) {
	s := newRequestSlots(1)
	h := s.acquire(nil, nil)
	calls := 0
	s.setPrepare(h.Index(), func(any) { calls++ }, nil)

	s.drainPrepares()
	s.drainPrepares()
	require.Equal(t, 1, calls, "prepare handler should fire exactly once, cleared after invocation")
}

func TestLenReflectsInUseSlots(t *testing.T) {
	s := newRequestSlots(4)
	require.Equal(t, 0, s.len())
	h1 := s.acquire(nil, nil)
	h2 := s.acquire(nil, nil)
	require.Equal(t, 2, s.len())
	h1.Release()
	require.Equal(t, 1, s.len())
	h2.Release()
	require.Equal(t, 0, s.len())
}
