package epump

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEventQueueDedup covers spec.md §4.5's de-dup-on-enqueue rule: a
// second event for the same (targetID, kind) pair must not be queued
// while the first is still outstanding.
func TestEventQueueDedup(t *testing.T) {
	q := newEventQueue()

	e1 := &event{targetID: 7, kind: EventRead, dedupKey: dedupKey{targetID: 7, kind: EventRead}}
	e2 := &event{targetID: 7, kind: EventRead, dedupKey: dedupKey{targetID: 7, kind: EventRead}}

	require.True(t, q.push(e1))
	require.False(t, q.push(e2), "duplicate (targetID, kind) must be rejected while e1 is outstanding")
	require.Equal(t, 1, q.len())

	popped := q.pop()
	require.Same(t, e1, popped)

	// once popped, the slot is free again.
	require.True(t, q.push(e2))
	require.Equal(t, 1, q.len())
}

// TestEventQueueDrainFor covers the close-time cancellation guarantee:
// drainFor must remove every queued event for a given target id,
// regardless of kind, without disturbing events for other targets.
func TestEventQueueDrainFor(t *testing.T) {
	q := newEventQueue()

	require.True(t, q.push(&event{targetID: 1, kind: EventRead, dedupKey: dedupKey{1, EventRead}}))
	require.True(t, q.push(&event{targetID: 1, kind: EventWrite, dedupKey: dedupKey{1, EventWrite}}))
	require.True(t, q.push(&event{targetID: 2, kind: EventRead, dedupKey: dedupKey{2, EventRead}}))

	q.drainFor(1)
	require.Equal(t, 1, q.len())

	remaining := q.pop()
	require.Equal(t, uint64(2), remaining.targetID)
}
