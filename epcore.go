package epump

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/kehengzhong/epump/internal/gid"
	"github.com/kehengzhong/epump/internal/objpool"
	"github.com/kehengzhong/epump/internal/resolver"
)

// Core is the process-wide registry described by spec.md §3/§4.8:
// tables of devs, timers, pumps, workers, the global (all-pump) dev
// list, and the multi-listen list. It is passed explicitly through
// every API rather than held as a singleton, per spec.md §9's
// re-architecture guidance ("pass the core handle explicitly through
// every API; the resolver is owned by the core").
type Core struct {
	cfg Config

	startTime time.Time
	quit      atomic.Bool

	nextDevID   atomic.Uint64
	nextTimerID atomic.Uint64

	devMu    sync.RWMutex
	devTable map[uint64]*Dev

	timerMu    sync.RWMutex
	timerTable map[uint64]*Timer

	pumpMu     sync.RWMutex
	pumps      []*Pump
	pumpByID   map[uint64]*Pump
	lastPumpSortAt time.Time
	nextPumpRR     int

	workerMu       sync.RWMutex
	workers        []*Worker
	workerByID     map[uint64]*Worker
	lastWorkerSortAt time.Time
	nextWorkerRR     int
	workerPool       *ants.Pool

	globalDevMu sync.Mutex
	globalDevs  []*Dev

	globalTimerMu sync.Mutex
	globalTimers  []*Timer

	mlMu         sync.Mutex
	multiListens []*multiListen

	// currentPumpOf maps the executing goroutine id to the Pump
	// currently driving the event it is processing — the Go
	// realization of spec.md §3's per-pump/per-worker "current-event
	// pointer (for reentrant bind-resolution)".
	currentPumpOf sync.Map // goroutine id -> *Pump

	resolver *resolver.Resolver

	// eventPool is the fetch/recycle pool backing every *event this
	// core allocates, per spec.md §9's pool discipline — grounded on
	// the teacher's aiocbPool (watcher.go), generalized via
	// internal/objpool.
	eventPool *objpool.Pool[event]

	defaultCB     EventCallback
	defaultCBPara any
}

// New constructs a Core. maxFD below 1024 is promoted to 65536, per
// spec.md §6's core_new contract.
func New(maxFD int, opts ...Option) (*Core, error) {
	cfg := newConfig(maxFD, opts)

	c := &Core{
		cfg:        cfg,
		startTime:  time.Now(),
		devTable:   make(map[uint64]*Dev),
		timerTable: make(map[uint64]*Timer),
		pumpByID:   make(map[uint64]*Pump),
		workerByID: make(map[uint64]*Worker),
	}
	c.nextDevID.Store(99)
	c.nextTimerID.Store(99)

	c.eventPool = objpool.New[event]()
	c.eventPool.Zero = func(e *event) { e.reset() }

	res, err := resolver.New(cfg.NameServers, cfg.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "resolver init")
	}
	c.resolver = res

	return c, nil
}

// SetCallback installs the fallback event callback used when a Dev or
// Timer was created without one.
func (c *Core) SetCallback(cb EventCallback, para any) {
	c.defaultCB = cb
	c.defaultCBPara = para
}

// DNSServerAdd appends a name server endpoint to the resolver.
func (c *Core) DNSServerAdd(ip string, port int) error {
	return c.resolver.AddServer(ip, port)
}

// StartEPump spawns n pump goroutines.
func (c *Core) StartEPump(n int) error {
	for i := 0; i < n; i++ {
		id := nextSyntheticID()
		p, err := newPump(c, id)
		if err != nil {
			return errors.Wrap(err, "new pump")
		}
		c.pumpMu.Lock()
		c.pumps = append(c.pumps, p)
		c.pumpByID[id] = p
		c.pumpMu.Unlock()

		c.adoptGlobalsInto(p)
		go p.run()
	}
	return nil
}

// StartWorker spawns n worker pool slots, each occupying one permanent
// goroutine in a shared ants.Pool sized to n (see worker.go).
func (c *Core) StartWorker(n int) error {
	c.workerMu.Lock()
	if c.workerPool == nil {
		pool, err := ants.NewPool(n, ants.WithNonblocking(false))
		if err != nil {
			c.workerMu.Unlock()
			return errors.Wrap(err, "new worker pool")
		}
		c.workerPool = pool
	} else {
		// Tune grows the pool's goroutine cap for the newly added slots.
		c.workerPool.Tune(len(c.workers) + n)
	}
	c.workerMu.Unlock()

	for i := 0; i < n; i++ {
		id := nextSyntheticID()
		w, err := newWorker(c, id, n)
		if err != nil {
			return errors.Wrap(err, "new worker")
		}
		c.workerMu.Lock()
		c.workers = append(c.workers, w)
		c.workerByID[id] = w
		pool := c.workerPool
		c.workerMu.Unlock()

		if err := pool.Submit(w.run); err != nil {
			return errors.Wrap(err, "submit worker to pool")
		}
	}
	return nil
}

// StopEPump sets the quit flag and wakes every pump and worker;
// spec.md §5/testable property 5 requires each loop to terminate
// within one dispatch+signal cycle.
func (c *Core) StopEPump() {
	c.quit.Store(true)
	c.pumpMu.RLock()
	for _, p := range c.pumps {
		p.stop()
	}
	c.pumpMu.RUnlock()
	c.workerMu.RLock()
	for _, w := range c.workers {
		w.signal()
	}
	c.workerMu.RUnlock()
}

// StopWorker stops every worker pool slot.
func (c *Core) StopWorker() {
	c.workerMu.RLock()
	for _, w := range c.workers {
		w.stop()
	}
	c.workerMu.RUnlock()
}

// Stop is core_stop_*: it stops both pumps and workers and blocks
// until every goroutine has exited its loop.
func (c *Core) Stop() {
	c.StopEPump()
	c.StopWorker()
	c.pumpMu.RLock()
	pumps := append([]*Pump(nil), c.pumps...)
	c.pumpMu.RUnlock()
	for _, p := range pumps {
		p.wait()
	}
	c.workerMu.RLock()
	workers := append([]*Worker(nil), c.workers...)
	c.workerMu.RUnlock()
	for _, w := range workers {
		w.wait()
	}
	c.workerMu.Lock()
	if c.workerPool != nil {
		c.workerPool.Release()
	}
	c.workerMu.Unlock()
	c.resolver.Close()
}

var syntheticIDSeq atomic.Uint64

func nextSyntheticID() uint64 { return syntheticIDSeq.Inc() }

// --- dev/timer registries -------------------------------------------------

func (c *Core) addDev(d *Dev) {
	c.devMu.Lock()
	c.devTable[d.id] = d
	c.devMu.Unlock()
}

func (c *Core) removeDev(d *Dev) {
	c.devMu.Lock()
	delete(c.devTable, d.id)
	c.devMu.Unlock()
}

func (c *Core) findDev(id uint64) *Dev {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	return c.devTable[id]
}

func (c *Core) addTimer(t *Timer) {
	c.timerMu.Lock()
	c.timerTable[t.id] = t
	c.timerMu.Unlock()
}

func (c *Core) removeTimer(t *Timer) {
	c.timerMu.Lock()
	delete(c.timerTable, t.id)
	c.timerMu.Unlock()
}

func (c *Core) findTimer(id uint64) *Timer {
	c.timerMu.RLock()
	defer c.timerMu.RUnlock()
	return c.timerTable[id]
}

// --- global (unbound) lists ------------------------------------------------

func (c *Core) queueGlobalDev(d *Dev) {
	c.globalDevMu.Lock()
	c.globalDevs = append(c.globalDevs, d)
	c.globalDevMu.Unlock()
}

func (c *Core) addGlobalDev(d *Dev) {
	c.globalDevMu.Lock()
	for _, x := range c.globalDevs {
		if x == d {
			c.globalDevMu.Unlock()
			return
		}
	}
	c.globalDevs = append(c.globalDevs, d)
	c.globalDevMu.Unlock()
}

func (c *Core) removeGlobalDev(d *Dev) {
	c.globalDevMu.Lock()
	out := c.globalDevs[:0]
	for _, x := range c.globalDevs {
		if x != d {
			out = append(out, x)
		}
	}
	c.globalDevs = out
	c.globalDevMu.Unlock()
}

// adoptGlobalsInto hands a newly started pump every ALL_EPUMP dev and
// every queued global timer, per spec.md §4.8's getmon contract.
func (c *Core) adoptGlobalsInto(p *Pump) {
	c.globalDevMu.Lock()
	devs := append([]*Dev(nil), c.globalDevs...)
	c.globalDevMu.Unlock()
	for _, d := range devs {
		d.mu.Lock()
		fd, flags := d.fd, d.rwFlag
		bt := d.bindType
		d.mu.Unlock()
		if bt != BindAllEpump || fd < 0 {
			continue
		}
		p.addDevLocal(fd, d)
		if flags == RWNone {
			flags = RWRead
		}
		_ = p.poller.Set(fd, flags&RWRead != 0, flags&RWWrite != 0)
	}

	c.globalTimerMu.Lock()
	pending := c.globalTimers
	c.globalTimers = nil
	c.globalTimerMu.Unlock()
	for _, t := range pending {
		c.attachTimerToPump(t, p)
	}

	c.adoptMultiListenInto(p)
}

// --- pump/worker selection ---------------------------------------------

func (c *Core) allEpumps() []*Pump {
	c.pumpMu.RLock()
	defer c.pumpMu.RUnlock()
	return append([]*Pump(nil), c.pumps...)
}

func (c *Core) findEpump(id uint64) *Pump {
	c.pumpMu.RLock()
	defer c.pumpMu.RUnlock()
	return c.pumpByID[id]
}

// selectEpump picks the least-loaded pump, round-robining within a
// 5-second window to avoid thrashing, per spec.md §4.6.
func (c *Core) selectEpump() *Pump {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()
	if len(c.pumps) == 0 {
		return nil
	}
	if time.Since(c.startTime) < pumpLoadRebalanceInterval || time.Since(c.lastPumpSortAt) < pumpLoadRebalanceInterval {
		p := c.pumps[c.nextPumpRR%len(c.pumps)]
		c.nextPumpRR++
		return p
	}
	best := c.pumps[0]
	bestLoad := best.objNum(0)
	for _, p := range c.pumps[1:] {
		if l := p.objNum(0); l < bestLoad {
			best, bestLoad = p, l
		}
	}
	c.lastPumpSortAt = time.Now()
	return best
}

func (c *Core) currentPump() *Pump {
	id := gid.Current()
	if v, ok := c.currentPumpOf.Load(id); ok {
		return v.(*Pump)
	}
	return nil
}

func (c *Core) registerPumpSelf(p *Pump) {
	c.currentPumpOf.Store(gid.Current(), p)
}

func (c *Core) unregisterPumpSelf(p *Pump) {
	c.currentPumpOf.Delete(gid.Current())
	c.pumpMu.Lock()
	for i, x := range c.pumps {
		if x == p {
			c.pumps = append(c.pumps[:i], c.pumps[i+1:]...)
			break
		}
	}
	delete(c.pumpByID, p.id)
	c.pumpMu.Unlock()
}

// --- event dispatch ------------------------------------------------------

// emit classifies and routes a freshly observed occurrence, per
// spec.md §4.5's ioevent_dispatch push path.
func (c *Core) emit(obj any, kind EventKind, cb EventCallback, cbPara any, producingPump uint64) {
	id, fdKind := classifyTarget(obj)
	if cb == nil {
		cb = c.defaultCB
		cbPara = c.defaultCBPara
	}
	e := c.eventPool.Fetch()
	*e = event{
		kind:       kind,
		fdKind:     fdKind,
		targetID:   id,
		obj:        obj,
		cb:         cb,
		cbPara:     cbPara,
		targetPump: producingPump,
		ts:         time.Now(),
		dedupKey:   dedupKey{targetID: id, kind: kind},
	}
	c.dispatchEvent(e)
}

func classifyTarget(obj any) (uint64, FDKind) {
	switch v := obj.(type) {
	case *Dev:
		return v.id, v.kind
	case *Timer:
		return v.id, FDTimer
	default:
		return 0, 0
	}
}

// dispatchEvent implements spec.md §4.5: route to a worker if any
// exist, else to the target/producing pump.
func (c *Core) dispatchEvent(e *event) {
	if w := c.pickWorker(e); w != nil {
		if w.queue.push(e) {
			w.signal()
		} else {
			c.eventPool.Recycle(e)
		}
		return
	}

	p := c.pickPump(e)
	if p == nil {
		c.eventPool.Recycle(e)
		return
	}
	if p.queue.push(e) {
		_ = p.poller.Wake()
	} else {
		c.eventPool.Recycle(e)
	}
}

func (c *Core) pickWorker(e *event) *Worker {
	c.workerMu.RLock()
	defer c.workerMu.RUnlock()
	if len(c.workers) == 0 {
		return nil
	}
	if d, ok := e.obj.(*Dev); ok && d.preferredWorker != 0 {
		if w, ok := c.workerByID[d.preferredWorker]; ok {
			return w
		}
	}
	w := c.selectWorkerLocked()
	if d, ok := e.obj.(*Dev); ok {
		d.mu.Lock()
		d.preferredWorker = w.id
		d.mu.Unlock()
	}
	return w
}

func (c *Core) pickPump(e *event) *Pump {
	if p := c.findEpump(e.targetPump); p != nil {
		return p
	}
	return c.selectEpump()
}

// purgeEventsFor scrubs every queued event for targetID out of every
// pump and worker queue, per spec.md §5's close-time cancellation
// guarantee.
func (c *Core) purgeEventsFor(id uint64) {
	for _, p := range c.allEpumps() {
		for _, e := range p.queue.drainFor(id) {
			c.eventPool.Recycle(e)
		}
	}
	c.workerMu.RLock()
	workers := append([]*Worker(nil), c.workers...)
	c.workerMu.RUnlock()
	for _, w := range workers {
		for _, e := range w.queue.drainFor(id) {
			c.eventPool.Recycle(e)
		}
	}
}

// objectStillLive re-validates e.targetID against the owning registry
// before a callback runs, per spec.md §3's Event invariant and
// testable property 3.
func (c *Core) objectStillLive(e *event) bool {
	switch e.obj.(type) {
	case *Dev:
		return c.findDev(e.targetID) != nil
	case *Timer:
		// timers leave the registry when their timeout event is
		// built (Pump.enqueueTimerEvent in epump.go), so a registry
		// lookup here would always miss; a timeout event that was
		// enqueued is always delivered, and an IotimerStop issued
		// after that point finds nothing and is a no-op.
		return true
	default:
		return true
	}
}
