package epump

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dev wraps one observable file descriptor plus its monitoring state,
// adapted from the teacher's aiocb/fdDesc pair in watcher.go: where the
// teacher tracks one-shot read/write requests per fd, Dev tracks a
// persistent monitored-fd with a standing rw-flag intent, per spec.md
// §3.
type Dev struct {
	core *Core

	id   uint64
	mu   sync.Mutex // the single short fd-lifecycle lock called for by spec.md §9
	fd   int
	kind FDKind

	family, sockType, protocol int
	local, remote              netip.AddrPort

	rwFlag RWFlag
	state  IOState

	nodelay TriState
	nopush  TriState
	sslDone bool

	reuseAddr, reusePort, keepAlive bool

	bindType        BindType
	pump            *Pump
	preferredWorker uint64

	para   any
	cb     EventCallback
	cbPara any

	lingerTimer *Timer
}

func (d *Dev) ID() uint64       { return d.id }
func (d *Dev) FD() int          { return d.fd }
func (d *Dev) FDKind() FDKind   { return d.kind }
func (d *Dev) Para() any        { return d.para }
func (d *Dev) SetPara(p any)    { d.mu.Lock(); d.para = p; d.mu.Unlock() }
func (d *Dev) Pump() *Pump      { return d.pump }
func (d *Dev) RemoteAddr() netip.AddrPort { return d.remote }
func (d *Dev) LocalAddr() netip.AddrPort  { return d.local }

func (d *Dev) RWFlag() RWFlag {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rwFlag
}

// transientRetries bounds the number of times Read/Write retry a
// transient EAGAIN/EWOULDBLOCK/EINTR inside a single call, per spec.md
// §7's transient-I/O rule.
const transientRetries = 3

// Read drains up to len(buf) bytes off the raw fd, silently retrying a
// transient EAGAIN/EWOULDBLOCK/EINTR up to transientRetries times
// before giving up and reporting "nothing pending right now" (0, nil),
// per spec.md §7. syscall.EWOULDBLOCK is numerically identical to
// syscall.EAGAIN on every platform this package targets, so matching
// EAGAIN alone covers both.
func (d *Dev) Read(buf []byte) (int, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return 0, ErrClosed
	}
	for attempt := 0; ; attempt++ {
		n, err := syscall.Read(fd, buf)
		switch err {
		case nil:
			return n, nil
		case syscall.EAGAIN, syscall.EINTR:
			if attempt >= transientRetries {
				return 0, nil
			}
			continue
		default:
			return 0, errors.Wrap(err, "dev read")
		}
	}
}

// Write pushes up to len(buf) bytes onto the raw fd, with the same
// bounded EAGAIN/EWOULDBLOCK/EINTR retry as Read.
func (d *Dev) Write(buf []byte) (int, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return 0, ErrClosed
	}
	for attempt := 0; ; attempt++ {
		n, err := syscall.Write(fd, buf)
		switch err {
		case nil:
			return n, nil
		case syscall.EAGAIN, syscall.EINTR:
			if attempt >= transientRetries {
				return 0, nil
			}
			continue
		default:
			return 0, errors.Wrap(err, "dev write")
		}
	}
}

// newDev allocates a fresh, unbound Dev with a unique id and zeroed
// state, mirroring spec.md §4.3's `new(core)` contract.
func (c *Core) newDev() *Dev {
	return &Dev{
		core: c,
		id:   c.nextDevID.Inc(),
		fd:   -1,
		state: StateNew,
	}
}

// NewDevFromFD wraps an already-open fd ready for READ, per spec.md
// §4.3's `new_from_fd`.
func (c *Core) NewDevFromFD(fd int, kind FDKind, para any, cb EventCallback, cbPara any) *Dev {
	d := c.newDev()
	d.fd = fd
	d.kind = kind
	d.para = para
	d.cb = cb
	d.cbPara = cbPara
	d.rwFlag = RWRead
	d.state = StateReadWrite
	c.addDev(d)
	return d
}

// RWFlagSet atomically replaces the monitored intent and re-pushes the
// new intent to the owning pump's poller if it changed, per spec.md
// §4.3's `rwflag_set`.
func (d *Dev) RWFlagSet(flags RWFlag) error {
	d.mu.Lock()
	changed := d.rwFlag != flags
	d.rwFlag = flags
	fd, pump := d.fd, d.pump
	d.mu.Unlock()
	if !changed || pump == nil || fd < 0 {
		return nil
	}
	return pump.poller.Set(fd, flags&RWRead != 0, flags&RWWrite != 0)
}

// AddNotify ORs flags into the monitored intent.
func (d *Dev) AddNotify(flags RWFlag) error {
	d.mu.Lock()
	next := d.rwFlag | flags
	d.mu.Unlock()
	return d.RWFlagSet(next)
}

// DelNotify AND-NOTs flags out of the monitored intent.
func (d *Dev) DelNotify(flags RWFlag) error {
	d.mu.Lock()
	next := d.rwFlag &^ flags
	d.mu.Unlock()
	return d.RWFlagSet(next)
}

// BindEpump attaches d to pump(s) per the bind discipline in spec.md
// §4.3. It takes d's fd-lock itself to check the fd, so callers must
// not hold it; a dev whose fd became invalid between allocation and
// bind is a no-op, matching the C original's defensive check in
// iodev_bind_epump.
func (d *Dev) BindEpump(bindType BindType, epumpID uint64, noPoll bool) error {
	d.mu.Lock()
	if d.fd < 0 || d.state == StateClosed || d.state == StateClosing {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	// binding twice unbinds first, per spec.md §4.3 edge cases.
	_ = d.UnbindEpump()

	var targets []*Pump
	switch bindType {
	case BindNone:
		d.mu.Lock()
		d.bindType = BindNone
		d.mu.Unlock()
		return nil
	case BindOneEpump:
		p := d.core.selectEpump()
		if p == nil {
			d.core.queueGlobalDev(d)
			return nil
		}
		targets = []*Pump{p}
	case BindGivenEpump:
		p := d.core.findEpump(epumpID)
		if p == nil {
			if cur := d.core.currentPump(); cur != nil {
				p = cur
			} else {
				p = d.core.selectEpump()
			}
		}
		if p == nil {
			d.core.queueGlobalDev(d)
			return nil
		}
		targets = []*Pump{p}
	case BindCurrentEpump:
		p := d.core.currentPump()
		if p == nil {
			p = d.core.selectEpump()
		}
		if p == nil {
			d.core.queueGlobalDev(d)
			return nil
		}
		targets = []*Pump{p}
	case BindAllEpump:
		targets = d.core.allEpumps()
		d.core.addGlobalDev(d)
	default:
		return errors.Wrap(ErrBadBindType, "BindEpump")
	}

	d.mu.Lock()
	d.bindType = bindType
	if len(targets) > 0 {
		d.pump = targets[0]
	}
	fd, flags := d.fd, d.rwFlag
	if flags == RWNone {
		flags = RWRead
		d.rwFlag = flags
	}
	d.mu.Unlock()

	for _, p := range targets {
		p.addDevLocal(fd, d)
		if !noPoll {
			if err := p.poller.Set(fd, flags&RWRead != 0, flags&RWWrite != 0); err != nil {
				d.core.cfg.Logger.Warn("poller set failed on bind", zap.Error(err))
			}
			_ = p.poller.Wake()
		}
	}
	return nil
}

// UnbindEpump removes d from the global list (if present) and from
// every pump device tree currently holding it.
func (d *Dev) UnbindEpump() error {
	d.mu.Lock()
	bt := d.bindType
	fd := d.fd
	pump := d.pump
	d.bindType = BindNone
	d.pump = nil
	d.mu.Unlock()

	if bt == BindAllEpump {
		d.core.removeGlobalDev(d)
		for _, p := range d.core.allEpumps() {
			p.removeDevLocal(fd, d)
			if fd >= 0 {
				_ = p.poller.Clear(fd)
			}
		}
		return nil
	}

	d.core.removeGlobalDev(d) // no-op if it wasn't queued there
	if pump != nil {
		pump.removeDevLocal(fd, d)
		if fd >= 0 {
			_ = pump.poller.Clear(fd)
		}
	}
	return nil
}

// Close removes d from the registry, purges its pending events from
// whichever pump/worker queues hold them, optionally lingers accepted
// sockets, closes the fd, and marks d closed. Per spec.md §4.3.
func (d *Dev) Close() error {
	d.mu.Lock()
	if d.state == StateClosed || d.state == StateClosing {
		d.mu.Unlock()
		return nil
	}
	d.state = StateClosing
	fd := d.fd
	kind := d.kind
	d.mu.Unlock()

	_ = d.UnbindEpump()
	d.core.removeDev(d)
	d.core.purgeEventsFor(d.id)

	if fd >= 0 {
		if kind == FDAccepted {
			_ = syscall.SetsockoptLinger(fd, syscall.SOL_SOCKET, syscall.SO_LINGER, &syscall.Linger{Onoff: 1, Linger: 0})
			_ = syscall.Shutdown(fd, syscall.SHUT_RDWR)
		}
		_ = syscall.Close(fd)
	}

	d.mu.Lock()
	d.fd = -1
	d.state = StateClosed
	d.mu.Unlock()
	return nil
}

// LingerClose half-closes the write side and starts a short idle timer
// that performs the full close, per spec.md §4.3.
func (d *Dev) LingerClose() error {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return d.Close()
	}
	_ = syscall.Shutdown(fd, syscall.SHUT_WR)

	t, err := d.core.IotimerStart(int(lingerCloseDelay/time.Millisecond), IdleCmdID, d,
		func(_ any, obj any, _ EventKind, _ FDKind) int {
			if tm, ok := obj.(*Timer); ok {
				if dv, ok := tm.Para().(*Dev); ok {
					_ = dv.Close()
				}
			}
			return 0
		}, nil, 0)
	if err != nil {
		return d.Close()
	}
	d.mu.Lock()
	d.lingerTimer = t
	d.mu.Unlock()
	return nil
}

// DumpDevices writes one line per registered Dev, a debug-only
// diagnostic recovered from original_source/src/iodev.c's
// `iodev_print` (used by the sample echo server's signal handler). The
// engine itself never calls this; it exists purely as an operability
// aid, per SPEC_FULL.md §4.3's recovered-feature note.
func (c *Core) DumpDevices(w io.Writer) {
	c.devMu.RLock()
	devs := make([]*Dev, 0, len(c.devTable))
	for _, d := range c.devTable {
		devs = append(devs, d)
	}
	c.devMu.RUnlock()

	for _, d := range devs {
		d.mu.Lock()
		fmt.Fprintf(w, "dev id=%d fd=%d kind=%s state=%d rwflag=%#x pump=%v\n",
			d.id, d.fd, d.kind, d.state, d.rwFlag, pumpIDOrNil(d.pump))
		d.mu.Unlock()
	}
}

func pumpIDOrNil(p *Pump) any {
	if p == nil {
		return nil
	}
	return p.id
}
