package epump

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTimerOrdering is spec.md §8's E2: timers fire in non-decreasing
// deadline order within their owning pump (§5's ordering guarantee).
func TestTimerOrdering(t *testing.T) {
	core, err := New(0)
	require.NoError(t, err)
	require.NoError(t, core.StartEPump(1))
	defer core.Stop()

	const n = 20
	var mu sync.Mutex
	var fired []int
	done := make(chan struct{})
	var once sync.Once

	for i := n; i >= 1; i-- {
		cmdID := i
		_, err := core.IotimerStart(i*5, cmdID, nil, func(_ any, _ any, _ EventKind, _ FDKind) int {
			mu.Lock()
			fired = append(fired, cmdID)
			allIn := len(fired) == n
			mu.Unlock()
			if allIn {
				once.Do(func() { close(done) })
			}
			return 0
		}, nil, 0)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timers never all fired")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(fired); i++ {
		require.LessOrEqual(t, fired[i-1], fired[i])
	}
}

// TestTimerStopIsNoopAfterFire covers spec.md §4.4's edge case: stopping
// an already-fired timer must not panic or double-fire.
func TestTimerStopIsNoopAfterFire(t *testing.T) {
	core, err := New(0)
	require.NoError(t, err)
	require.NoError(t, core.StartEPump(1))
	defer core.Stop()

	fired := make(chan struct{}, 1)
	tm, err := core.IotimerStart(5, 1, nil, func(_ any, _ any, _ EventKind, _ FDKind) int {
		fired <- struct{}{}
		return 0
	}, nil, 0)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	require.NoError(t, core.IotimerStop(tm.ID()))
}
