package epump

import (
	"time"

	"go.uber.org/atomic"
)

// Worker consumes events dispatched by pumps, per spec.md §4.7. Each
// Worker's run loop occupies one permanent slot in the Core's shared
// github.com/panjf2000/ants goroutine pool (see epcore.go's
// workerPool field) instead of a bare `go` statement — grounded on
// both trpc-group/tnet and panjf2000/gnet depending on ants for their
// own worker dispatch — in place of the C original's dedicated OS
// thread per worker (original_source/src/worker.c). A Worker still
// owns its own queue and executes callbacks to completion one at a
// time, preserving the per-thread sequential-execution guarantee of
// spec.md §5; ants only replaces how the Go runtime is asked for that
// goroutine.
type Worker struct {
	core *Core
	id   uint64

	queue *eventQueue
	sig   chan struct{}

	idleTime  atomic.Int64 // nanoseconds
	workTime  atomic.Int64
	eventTake atomic.Int64

	windowStart time.Time

	quit atomic.Bool
	done chan struct{}
}

func newWorker(core *Core, id uint64, _ int) (*Worker, error) {
	return &Worker{
		core:        core,
		id:          id,
		queue:       newEventQueue(),
		sig:         make(chan struct{}, 1),
		windowStart: time.Now(),
		done:        make(chan struct{}),
	}, nil
}

func (w *Worker) ID() uint64 { return w.id }

func (w *Worker) signal() {
	select {
	case w.sig <- struct{}{}:
	default:
	}
}

// run is the worker's main loop: wait up to 5s on the event signal,
// then drain and execute, per spec.md §4.7.
func (w *Worker) run() {
	defer close(w.done)

	// Workers never resolve CURRENT_EPUMP the way a pump goroutine
	// does: an event a worker executes need not have originated on
	// any particular pump by the time the worker gets around to it,
	// so spec.md §4.3 falls back to least-loaded for that case and
	// a worker goroutine is simply never registered in currentPumpOf.
	for !w.quit.Load() && !w.core.quit.Load() {
		idleStart := time.Now()
		select {
		case <-w.sig:
		case <-time.After(workerIdleWait):
		}
		w.idleTime.Add(int64(time.Since(idleStart)))

		workStart := time.Now()
		for {
			e := w.queue.pop()
			if e == nil {
				break
			}
			w.eventTake.Inc()
			w.execute(e)
		}
		w.workTime.Add(int64(time.Since(workStart)))
		w.maybeResetWindow()
	}
}

func (w *Worker) execute(e *event) {
	defer w.core.eventPool.Recycle(e)
	if !w.core.objectStillLive(e) {
		return
	}
	if e.cb != nil {
		e.cb(e.cbPara, e.obj, e.kind, e.fdKind)
	}
	if p := w.core.findEpump(e.targetPump); p != nil {
		p.rearmAfterExecute(e)
	}
}

func (w *Worker) maybeResetWindow() {
	if time.Since(w.windowStart) >= workerLoadRebalanceInterval {
		w.windowStart = time.Now()
		w.idleTime.Store(0)
		w.workTime.Store(0)
	}
}

// workingRatio is the fraction of the current rebalance window spent
// executing callbacks, per spec.md §4.7; maybeResetWindow starts a new
// window every workerLoadRebalanceInterval.
func (w *Worker) workingRatio() float64 {
	idle := w.idleTime.Load()
	work := w.workTime.Load()
	total := idle + work
	if total == 0 {
		return 0
	}
	return float64(work) / float64(total)
}

// realLoad implements spec.md §4.7's formula exactly:
// 0.6*(queue-length/pool-capacity) + 0.3*working_ratio + 0.1*(accumulated events/core total).
func (w *Worker) realLoad(poolCapacity int, coreTotalEvents int64) float64 {
	qlen := float64(w.queue.len())
	cap := float64(poolCapacity)
	if cap <= 0 {
		cap = 1
	}
	share := 0.0
	if coreTotalEvents > 0 {
		share = float64(w.eventTake.Load()) / float64(coreTotalEvents)
	}
	return 0.6*(qlen/cap) + 0.3*w.workingRatio() + 0.1*share
}

func (c *Core) selectWorkerLocked() *Worker {
	if len(c.workers) == 0 {
		return nil
	}
	if time.Since(c.startTime) < workerLoadRebalanceInterval || time.Since(c.lastWorkerSortAt) < workerLoadRebalanceInterval {
		w := c.workers[c.nextWorkerRR%len(c.workers)]
		c.nextWorkerRR++
		return w
	}
	var total int64
	for _, w := range c.workers {
		total += w.eventTake.Load()
	}
	cap := len(c.workers)
	best := c.workers[0]
	bestLoad := best.realLoad(cap, total)
	for _, w := range c.workers[1:] {
		if l := w.realLoad(cap, total); l < bestLoad {
			best, bestLoad = w, l
		}
	}
	c.lastWorkerSortAt = time.Now()
	return best
}

func (w *Worker) stop() {
	w.quit.Store(true)
	w.signal()
}

func (w *Worker) wait() { <-w.done }
