package epump

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCloseDuringEventStorm is spec.md §8's E6: closing a Dev while
// many events for it are in flight must not let a stale callback run
// afterward, per spec.md §4.5/testable property 3 (objectStillLive).
func TestCloseDuringEventStorm(t *testing.T) {
	core, err := New(0)
	require.NoError(t, err)
	require.NoError(t, core.StartEPump(1))
	require.NoError(t, core.StartWorker(2))
	defer core.Stop()

	var afterClose int64
	var closed int32

	cb := func(_ any, obj any, kind EventKind, _ FDKind) int {
		d, ok := obj.(*Dev)
		if !ok {
			return 0
		}
		switch kind {
		case EventAccept:
			conns, _ := core.TCPAccept(d)
			for _, c := range conns {
				go func(c *Dev) {
					time.Sleep(5 * time.Millisecond)
					_ = c.Close()
					atomic.StoreInt32(&closed, 1)
				}(c)
			}
		case EventRead:
			if atomic.LoadInt32(&closed) == 1 {
				atomic.AddInt64(&afterClose, 1)
			}
			buf := make([]byte, 64)
			_, _ = d.Read(buf)
		}
		return 0
	}

	port := 24000 + time.Now().Nanosecond()%5000
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	_, err = core.TCPListen(addr, 128, cb, nil, BindOneEpump, 0)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 50; i++ {
		_, _ = conn.Write([]byte("x"))
	}

	time.Sleep(100 * time.Millisecond)
	// objectStillLive must reject every event whose Dev was already
	// removed from the registry by Close, so the EventRead branch
	// above must never observe closed==1: a nonzero afterClose means a
	// stale callback ran for a Dev that Close had already torn down.
	require.Equal(t, int64(0), afterClose)
}

// TestBindTwiceUnbindsFirst covers spec.md §4.3's edge case: binding a
// Dev a second time implicitly unbinds it from its previous pump.
func TestBindTwiceUnbindsFirst(t *testing.T) {
	core, err := New(0)
	require.NoError(t, err)
	require.NoError(t, core.StartEPump(2))
	defer core.Stop()

	fds := core.allEpumps()
	require.Len(t, fds, 2)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	d := core.newDev()
	d.fd = int(r.Fd())
	d.kind = FDFile
	d.rwFlag = RWRead
	core.addDev(d)

	require.NoError(t, d.BindEpump(BindGivenEpump, fds[0].ID(), false))
	require.Equal(t, fds[0], d.Pump())

	require.NoError(t, d.BindEpump(BindGivenEpump, fds[1].ID(), false))
	require.Equal(t, fds[1], d.Pump())
	require.Nil(t, fds[0].findDevByFD(d.FD()))

	_ = d.Close()
}
