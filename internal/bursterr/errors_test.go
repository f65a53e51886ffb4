package bursterr

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapClassifiesKnownErrnos(t *testing.T) {
	cases := map[syscall.Errno]Category{
		syscall.EAGAIN:     CategoryTransient,
		syscall.ECONNRESET: CategoryConnError,
		syscall.EMSGSIZE:   CategoryProtocol,
		syscall.ENOBUFS:    CategoryBackpressure,
		syscall.EADDRINUSE: CategorySetup,
		syscall.ENOSYS:     CategoryFatalReactor,
	}
	for errno, want := range cases {
		e := Wrap("recv", errno)
		require.Equal(t, want, e.Code, "errno %v", errno)
	}
}

func TestWrapPreservesStructuredCategory(t *testing.T) {
	inner := ForConn("send", 42, CategoryBackpressure, "registered pool exhausted")
	wrapped := Wrap("bundle_send", inner)
	require.Equal(t, CategoryBackpressure, wrapped.Code)
	require.Equal(t, uint64(42), wrapped.ConnID)
}

func TestIsMatchesCategoryNotIdentity(t *testing.T) {
	err := New("accept", CategorySetup, "bad address")
	require.True(t, Is(err, CategorySetup))
	require.False(t, Is(err, CategoryProtocol))
}

func TestErrorsAsUnwraps(t *testing.T) {
	var target *Error
	err := Wrap("dial", syscall.ECONNREFUSED)
	require.True(t, errors.As(err, &target))
	require.Equal(t, CategoryFatalReactor, target.Code)
}

func TestCategoryFatalClassification(t *testing.T) {
	require.True(t, CategorySetup.Fatal())
	require.True(t, CategoryFatalReactor.Fatal())
	require.False(t, CategoryBackpressure.Fatal())
	require.False(t, CategoryRemoteClose.Fatal())
}
