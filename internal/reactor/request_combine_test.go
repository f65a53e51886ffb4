package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCombineDispatchesBothHandlersOnMatchingBits(t *testing.T) {
	s := newRequestSlots(1)
	var firstFired, secondFired bool

	h := s.acquire(func(res int32, flags uint32, ctx any) { firstFired = true }, nil)
	s.slots[h.Index()].handlerMask = 0x1 // pretend the first handler only wanted bit 0x1

	s.combine(h.Index(), 0x2, func(res int32, flags uint32, ctx any) { secondFired = true }, nil)

	s.dispatch(h.Index(), 0, 0x2)
	require.False(t, firstFired, "first handler's mask (0x1) should not match a 0x2-only event")
	require.True(t, secondFired)
}

func TestCombineBothHandlersFireOnErrHup(t *testing.T) {
	s := newRequestSlots(1)
	var firstFired, secondFired bool

	h := s.acquire(func(int32, uint32, any) { firstFired = true }, nil)
	s.slots[h.Index()].handlerMask = 0x1

	s.combine(h.Index(), 0x2, func(int32, uint32, any) { secondFired = true }, nil)

	const epollErrHup = 0x8 | 0x10
	s.dispatch(h.Index(), 0, epollErrHup)
	require.True(t, firstFired, "EPOLLERR|EPOLLHUP must reach every combined handler")
	require.True(t, secondFired)
}

func TestCombineDefaultsPrevMaskToEverythingWhenUnset(t *testing.T) {
	s := newRequestSlots(1)
	var firstFired bool

	// No handlerMask set before combine, simulating a handler registered
	// before mask tracking existed for it (the original Arm call, pre-merge).
	h := s.acquire(func(int32, uint32, any) { firstFired = true }, nil)

	s.combine(h.Index(), 0x2, func(int32, uint32, any) {}, nil)

	s.dispatch(h.Index(), 0, 0x4) // bit the second handler didn't register either
	require.True(t, firstFired, "zero prevMask should default to matching every event")
}
