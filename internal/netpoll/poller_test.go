//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly

package netpoll

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollerReadReady(t *testing.T) {
	p, err := Open(1024)
	require.NoError(t, err)
	defer p.Close()

	fds := make([]int, 2)
	require.NoError(t, syscall.Pipe(fds))
	defer syscall.Close(fds[0])
	defer syscall.Close(fds[1])

	require.NoError(t, p.Set(fds[0], true, false))

	_, err = syscall.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := p.Dispatch(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fds[0], events[0].Fd)
	require.True(t, events[0].Readable)
}

func TestPollerWake(t *testing.T) {
	p, err := Open(1024)
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		_, _ = p.Dispatch(5 * time.Second)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wake did not unblock Dispatch")
	}
}

func TestPollerClearIdempotent(t *testing.T) {
	p, err := Open(1024)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Clear(99999))
	require.NoError(t, p.Set(99999, false, false))
}
