package epump

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kehengzhong/epump/internal/netpoll"
)

// Pump is one dispatch-loop goroutine: it owns a Poller, a device
// tree, a timer tree, and an event queue, exactly per spec.md §3/§4.6.
// Main-loop shape (check_timeout -> ioevent_handle -> repeat ->
// poller.Dispatch) is adapted from the teacher's watcher.loop(), which
// selects over pending-notify / poller-events / timer-channel / gc /
// die; this generalizes that 4-way select into the check_timeout /
// ioevent_handle / dispatch cycle spec.md §4.6 describes.
type Pump struct {
	core   *Core
	id     uint64
	poller netpoll.Poller

	devMu sync.RWMutex
	devs  map[int]*Dev

	timers *pumpTimers
	queue  *eventQueue

	quit atomic.Bool
	done chan struct{}

	createdAt time.Time
}

func newPump(core *Core, id uint64) (*Pump, error) {
	poller, err := netpoll.Open(core.cfg.MaxFDs)
	if err != nil {
		return nil, err
	}
	p := &Pump{
		core:      core,
		id:        id,
		poller:    poller,
		devs:      make(map[int]*Dev),
		timers:    newPumpTimers(),
		queue:     newEventQueue(),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	return p, nil
}

func (p *Pump) ID() uint64 { return p.id }

// addDevLocal/removeDevLocal take the already-captured fd rather than
// reading d.fd themselves: a concurrent Close() can mutate d.fd right
// after a caller unlocks d.mu, and d's fd-lifecycle lock is the only
// thing allowed to guard that read, per spec.md §3.
func (p *Pump) addDevLocal(fd int, d *Dev) {
	p.devMu.Lock()
	p.devs[fd] = d
	p.devMu.Unlock()
}

func (p *Pump) removeDevLocal(fd int, d *Dev) {
	p.devMu.Lock()
	if cur, ok := p.devs[fd]; ok && cur == d {
		delete(p.devs, fd)
	}
	p.devMu.Unlock()
}

func (p *Pump) findDevByFD(fd int) *Dev {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	return p.devs[fd]
}

// objNum mirrors spec.md §4.6's epump_objnum: kind 0 = devices+timers,
// 1 = devices only, 2 = timers only.
func (p *Pump) objNum(kind int) int {
	p.devMu.RLock()
	ndev := len(p.devs)
	p.devMu.RUnlock()
	ntimer := p.timers.len()
	switch kind {
	case 1:
		return ndev
	case 2:
		return ntimer
	default:
		return ndev + ntimer
	}
}

// run is the pump's main loop, started as its own goroutine by
// Core.StartEPump.
func (p *Pump) run() {
	defer close(p.done)

	p.core.registerPumpSelf(p)
	defer p.core.unregisterPumpSelf(p)

	for !p.quit.Load() && !p.core.quit.Load() {
		wait := p.runTimersAndEvents()

		if p.quit.Load() || p.core.quit.Load() {
			return
		}

		events, err := p.poller.Dispatch(wait)
		if err != nil {
			p.core.cfg.Logger.Warn("poller dispatch error", zap.Uint64("pump", p.id), zap.Error(err))
			continue
		}
		p.handlePollerEvents(events)
	}
}

// runTimersAndEvents repeats check_timeout+ioevent_handle until no
// more timers are immediately due, then returns how long the next
// poller.Dispatch should wait, per spec.md §4.6 step 2.a-2.c.
func (p *Pump) runTimersAndEvents() time.Duration {
	for {
		due, next, hasNext := p.timers.popDue(time.Now())
		for _, t := range due {
			p.enqueueTimerEvent(t)
		}
		p.drainQueue()

		if len(due) == 0 {
			if !hasNext {
				return netpoll.MaxPollTimeout
			}
			return next
		}
		// timers fired this round; loop once more in case firing
		// one timer's callback scheduled another due immediately.
	}
}

func (p *Pump) enqueueTimerEvent(t *Timer) {
	// one-shot: the timer already left the heap via popDue, so drop it
	// from the lookup table now rather than waiting for a caller's
	// IotimerStop to notice it's gone.
	p.core.removeTimer(t)
	cb, cbPara := t.cb, t.cbPara
	if cb == nil {
		cb, cbPara = p.core.defaultCB, p.core.defaultCBPara
	}
	e := p.core.eventPool.Fetch()
	*e = event{
		kind:       EventTimeout,
		fdKind:     FDTimer,
		targetID:   t.id,
		obj:        t,
		cb:         cb,
		cbPara:     cbPara,
		targetPump: p.id,
		ts:         time.Now(),
		dedupKey:   dedupKey{targetID: t.id, kind: EventTimeout},
	}
	p.core.dispatchEvent(e)
}

func (p *Pump) drainQueue() {
	for {
		e := p.queue.pop()
		if e == nil {
			return
		}
		p.execute(e)
	}
}

func (p *Pump) execute(e *event) {
	defer p.core.eventPool.Recycle(e)
	// re-verify target object via the owning registry; mismatch
	// means the object was closed after the event was enqueued, so
	// the callback must not run (spec.md §4.5, testable property 3).
	if !p.core.objectStillLive(e) {
		return
	}
	if e.cb != nil {
		e.cb(e.cbPara, e.obj, e.kind, e.fdKind)
	}
	p.rearmAfterExecute(e)
}

// rearmAfterExecute re-arms READ/WRITE notification for the
// level-triggered/edge-triggered epoll/kqueue backends after a
// callback returns, per spec.md §4.5.
func (p *Pump) rearmAfterExecute(e *event) {
	d, ok := e.obj.(*Dev)
	if !ok {
		return
	}
	d.mu.Lock()
	fd, flags, state := d.fd, d.rwFlag, d.state
	d.mu.Unlock()
	if fd < 0 || state == StateClosed || state == StateClosing {
		return
	}
	_ = p.poller.Set(fd, flags&RWRead != 0, flags&RWWrite != 0)
}

func (p *Pump) handlePollerEvents(events []netpoll.Event) {
	for _, ev := range events {
		d := p.findDevByFD(ev.Fd)
		if d == nil {
			continue
		}
		d.mu.Lock()
		kind, state := d.kind, d.state
		d.mu.Unlock()

		switch {
		case kind == FDListen && ev.Readable:
			p.core.emit(d, EventAccept, d.cb, d.cbPara, p.id)
		case state == StateConnecting && ev.Writable:
			if connectSucceeded(d.fd) {
				d.mu.Lock()
				d.state = StateReadWrite
				d.mu.Unlock()
				p.core.emit(d, EventConnected, d.cb, d.cbPara, p.id)
			} else {
				p.core.emit(d, EventConnFail, d.cb, d.cbPara, p.id)
			}
		case ev.Hup:
			p.core.emit(d, EventInvalidDev, d.cb, d.cbPara, p.id)
		default:
			if ev.Readable {
				p.core.emit(d, EventRead, d.cb, d.cbPara, p.id)
			}
			if ev.Writable {
				p.core.emit(d, EventWrite, d.cb, d.cbPara, p.id)
			}
		}
	}
	p.drainQueue()
}

// stop flips the quit flag and wakes the loop so it observes it within
// one dispatch cycle, per spec.md §5/testable property 5.
func (p *Pump) stop() {
	p.quit.Store(true)
	_ = p.poller.Wake()
}

func (p *Pump) wait() { <-p.done }
