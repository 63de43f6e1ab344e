package epump

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEchoServer is spec.md §8's E1: a loopback echo server driven by
// the engine, generalizing the teacher's aio_test.go echoServer helper
// from the old Request/CreateWatcher API onto the Core/Dev/BindEpump
// surface.
func TestEchoServer(t *testing.T) {
	core, err := New(0)
	require.NoError(t, err)
	require.NoError(t, core.StartEPump(2))
	require.NoError(t, core.StartWorker(2))
	defer core.Stop()

	port := 20000 + time.Now().Nanosecond()%5000
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	echoCB := func(_ any, obj any, kind EventKind, _ FDKind) int {
		d, ok := obj.(*Dev)
		if !ok {
			return 0
		}
		switch kind {
		case EventAccept:
			// accepted Devs inherit the listener's callback in
			// TCPAccept, so there is nothing further to wire up here.
			_, _ = core.TCPAccept(d)
		case EventRead:
			buf := make([]byte, 4096)
			n, err := d.Read(buf)
			if err != nil || n == 0 {
				return 0
			}
			_, _ = d.Write(buf[:n])
		}
		return 0
	}

	listener, err := core.TCPListen(addr, 128, echoCB, nil, BindOneEpump, 0)
	require.NoError(t, err)
	require.NotNil(t, listener)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("hello, epump")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(msg))
	_, err = readFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
