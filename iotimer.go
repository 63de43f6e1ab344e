package epump

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kehengzhong/epump/internal/gid"
)

// Timer is a one-shot timer scheduled on exactly one pump, adapted
// from the teacher's timedHeap/aiocb.deadline handling in watcher.go,
// generalized from per-IO-request deadlines to user-scheduled command
// timers per spec.md §4.4.
type Timer struct {
	id        uint64
	cmdID     int
	para      any
	deadline  time.Time
	cb        EventCallback
	cbPara    any
	pump      *Pump
	callerGID uint64

	heapIndex int // maintained by timerHeap, -1 when not in a heap
}

func (t *Timer) ID() uint64   { return t.id }
func (t *Timer) CmdID() int   { return t.cmdID }
func (t *Timer) Para() any    { return t.para }
func (t *Timer) Pump() *Pump  { return t.pump }

// timerHeap is a container/heap min-heap ordered by (deadline, id),
// exactly the key spec.md §3 requires for the Timer invariant ("while
// live, present in exactly one pump's timer tree, keyed by
// (deadline, timer_id)").
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// pumpTimers guards one pump's timer tree.
type pumpTimers struct {
	mu sync.Mutex
	h  timerHeap
}

func newPumpTimers() *pumpTimers {
	pt := &pumpTimers{}
	heap.Init(&pt.h)
	return pt
}

func (pt *pumpTimers) add(t *Timer) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	heap.Push(&pt.h, t)
}

// remove pops t out of the heap if it is still present; returns false
// if it already fired or was never here (stop-after-fire is a no-op,
// per spec.md §4.4).
func (pt *pumpTimers) remove(t *Timer) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if t.heapIndex < 0 || t.heapIndex >= len(pt.h) || pt.h[t.heapIndex] != t {
		return false
	}
	heap.Remove(&pt.h, t.heapIndex)
	return true
}

// popDue pops every timer whose deadline <= now, in non-decreasing
// deadline order, and reports the wait until the next deadline (or
// zero if the tree is now empty, meaning "wait indefinitely").
func (pt *pumpTimers) popDue(now time.Time) (due []*Timer, next time.Duration, hasNext bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for pt.h.Len() > 0 {
		head := pt.h[0]
		if head.deadline.After(now) {
			return due, head.deadline.Sub(now), true
		}
		due = append(due, heap.Pop(&pt.h).(*Timer))
	}
	return due, 0, false
}

func (pt *pumpTimers) len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.h.Len()
}

// IotimerStart schedules a one-shot timer, per spec.md §4.4. epumpID==0
// picks the caller's current pump if one is running the caller, else
// the least-loaded pump; epumpID!=0 targets that specific pump if it
// still exists, else falls back to the least-loaded pump. If no pump is running at
// all yet, the timer is parked on the global list and picked up by
// whichever pump starts next (adoptGlobalsInto).
func (c *Core) IotimerStart(ms int, cmdID int, para any, cb EventCallback, cbPara any, epumpID uint64) (*Timer, error) {
	t := &Timer{
		id:        c.nextTimerID.Inc(),
		cmdID:     cmdID,
		para:      para,
		deadline:  time.Now().Add(time.Duration(ms) * time.Millisecond),
		cb:        cb,
		cbPara:    cbPara,
		callerGID: gid.Current(),
		heapIndex: -1,
	}

	var p *Pump
	if epumpID != 0 {
		p = c.findEpump(epumpID)
	} else {
		p = c.currentPump()
	}
	if p == nil {
		p = c.selectEpump()
	}
	if p == nil {
		c.globalTimerMu.Lock()
		c.globalTimers = append(c.globalTimers, t)
		c.globalTimerMu.Unlock()
		c.addTimer(t)
		return t, nil
	}

	c.attachTimerToPump(t, p)
	return t, nil
}

// attachTimerToPump puts an already-constructed Timer into p's timer
// tree and registers it in the core's lookup table, then always wakes
// p (whichever goroutine the caller is) so the new deadline is observed
// promptly instead of after p's current poller.Dispatch timeout.
func (c *Core) attachTimerToPump(t *Timer, p *Pump) {
	t.pump = p
	p.timers.add(t)
	c.addTimer(t)
	_ = p.poller.Wake()
}

// IotimerStop cancels a pending timer; a no-op if it already fired or
// does not exist, per spec.md §4.4 edge cases.
func (c *Core) IotimerStop(timerID uint64) error {
	t := c.findTimer(timerID)
	if t == nil {
		return nil
	}
	if t.pump != nil {
		t.pump.timers.remove(t)
	} else {
		c.globalTimerMu.Lock()
		for i, gt := range c.globalTimers {
			if gt == t {
				c.globalTimers = append(c.globalTimers[:i], c.globalTimers[i+1:]...)
				break
			}
		}
		c.globalTimerMu.Unlock()
	}
	c.removeTimer(t)
	return nil
}
