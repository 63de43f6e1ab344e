package objpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	n int
}

func TestFetchRecycle(t *testing.T) {
	p := New[widget]()
	p.Zero = func(w *widget) { w.n = 0 }

	w := p.Fetch()
	w.n = 42
	require.Equal(t, 1, p.Outstanding())

	require.True(t, p.Recycle(w))
	require.Equal(t, 0, p.Outstanding())
}

func TestDoubleRecycleRejected(t *testing.T) {
	p := New[widget]()
	w := p.Fetch()
	require.True(t, p.Recycle(w))
	require.False(t, p.Recycle(w), "second recycle of the same pointer must be rejected")
}

func TestRecycleNonFetchedRejected(t *testing.T) {
	p := New[widget]()
	stray := &widget{}
	require.False(t, p.Recycle(stray))
}

func TestFetchResetsViaZero(t *testing.T) {
	p := New[widget]()
	p.Zero = func(w *widget) { w.n = 0 }

	w := p.Fetch()
	w.n = 7
	require.True(t, p.Recycle(w))

	w2 := p.Fetch()
	require.Equal(t, 0, w2.n, "Zero hook must run before handing the instance back out")
}
