package epump

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMultiListenLatePump is spec.md §8's E3: a multi-listen endpoint
// opened before any pump later also serves connections on a pump
// started afterward, per spec.md §4.9. With no pump running at open
// time the endpoint takes the shared ALL_EPUMP path, so it reaches each
// new pump through adoptGlobalsInto.
func TestMultiListenLatePump(t *testing.T) {
	core, err := New(0)
	require.NoError(t, err)
	defer core.Stop()

	accepted := make(chan struct{}, 8)
	cb := func(_ any, obj any, kind EventKind, _ FDKind) int {
		d, ok := obj.(*Dev)
		if !ok || kind != EventAccept {
			return 0
		}
		conns, err := core.TCPAccept(d)
		if err == nil {
			for range conns {
				accepted <- struct{}{}
			}
		}
		return 0
	}

	port := 22000 + time.Now().Nanosecond()%5000
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ml, err := core.TCPMultiListen(addr, 128, cb, nil)
	require.NoError(t, err)
	defer ml.Close()

	require.NoError(t, core.StartEPump(1))
	time.Sleep(50 * time.Millisecond)

	conn1, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn1.Close()
	waitOne(t, accepted)

	require.NoError(t, core.StartEPump(1))
	time.Sleep(50 * time.Millisecond)

	conn2, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn2.Close()
	waitOne(t, accepted)
}

func waitOne(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never accepted")
	}
}
