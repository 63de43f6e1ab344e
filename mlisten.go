package epump

import (
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// multiListen is one ALL_EPUMP-style listening endpoint: either one
// SO_REUSEPORT socket per pump (kernel-accelerated fan-out) or a
// single shared socket bound via BindAllEpump, per spec.md §4.9.
// reusePort records which scheme was actually used at creation time so
// Close knows which teardown path to take, grounded on
// original_source/src/mlisten.c's `reuse` field.
type multiListen struct {
	mu sync.Mutex

	addr      netip.AddrPort
	backlog   int
	cb        EventCallback
	cbPara    any
	reusePort bool

	perPumpDevs map[uint64]*Dev // reusePort == true: one Dev per pump
	shared      *Dev            // reusePort == false: single ALL_EPUMP Dev
}

// TCPMultiListen opens a listening endpoint meant to be served by
// every current and future pump, per spec.md §4.9. It first tries one
// SO_REUSEPORT socket per already-running pump via
// github.com/kavu/go_reuseport; if the kernel doesn't support the
// option it falls back to a single socket bound BindAllEpump, exactly
// like the C original's mlisten_open.
func (c *Core) TCPMultiListen(addr string, backlog int, cb EventCallback, cbPara any) (*multiListen, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse multilisten addr")
	}
	ml := &multiListen{
		addr:        ap,
		backlog:     backlog,
		cb:          cb,
		cbPara:      cbPara,
		perPumpDevs: make(map[uint64]*Dev),
	}

	pumps := c.allEpumps()
	if len(pumps) > 0 {
		if ok := ml.tryReusePortOnto(c, pumps); ok {
			ml.reusePort = true
			c.mlMu.Lock()
			c.multiListens = append(c.multiListens, ml)
			c.mlMu.Unlock()
			return ml, nil
		}
	}

	// Either SO_REUSEPORT failed or no pump exists yet to probe it
	// against: fall back to the single-socket ALL_EPUMP scheme, which
	// also transparently covers the zero-pumps-yet-running case: the
	// dev sits on the global list (addGlobalDev) and adoptGlobalsInto
	// hands it to each pump as it starts.
	d, err := c.TCPListen(addr, backlog, cb, cbPara, BindAllEpump, 0)
	if err != nil {
		return nil, err
	}
	ml.shared = d
	c.mlMu.Lock()
	c.multiListens = append(c.multiListens, ml)
	c.mlMu.Unlock()
	return ml, nil
}

// tryReusePortOnto attempts one SO_REUSEPORT socket per pump,
// rolling every socket back if any pump's bind fails (e.g. the kernel
// lacks the option, or it's Go's netns sandboxed and rejects it).
func (ml *multiListen) tryReusePortOnto(c *Core, pumps []*Pump) bool {
	listeners := make(map[uint64]*Dev, len(pumps))
	for _, p := range pumps {
		ln, err := go_reuseport.Listen("tcp", ml.addr.String())
		if err != nil {
			rollbackReuseportDevs(listeners)
			return false
		}
		fd, err := reuseportListenerFD(ln)
		_ = ln.Close()
		if err != nil {
			rollbackReuseportDevs(listeners)
			return false
		}
		d := c.NewDevFromFD(fd, FDListen, nil, ml.cb, ml.cbPara)
		d.local = ml.addr
		if err := d.BindEpump(BindGivenEpump, p.id, false); err != nil {
			_ = d.Close()
			rollbackReuseportDevs(listeners)
			return false
		}
		listeners[p.id] = d
	}
	ml.perPumpDevs = listeners
	return true
}

func rollbackReuseportDevs(devs map[uint64]*Dev) {
	for _, d := range devs {
		_ = d.Close()
	}
}

// adoptMultiListenInto gives a newly-started pump its own
// SO_REUSEPORT socket for every outstanding reuseport multiListen,
// per spec.md §4.9 ("late-joining pumps must also receive new
// listening sockets"). Shared ALL_EPUMP-bound listeners need no
// action here since BindAllEpump devs are already handed to every new
// pump by adoptGlobalsInto.
func (c *Core) adoptMultiListenInto(p *Pump) {
	c.mlMu.Lock()
	mls := append([]*multiListen(nil), c.multiListens...)
	c.mlMu.Unlock()

	for _, ml := range mls {
		if !ml.reusePort {
			continue
		}
		ml.mu.Lock()
		_, already := ml.perPumpDevs[p.id]
		ml.mu.Unlock()
		if already {
			continue
		}
		ln, err := go_reuseport.Listen("tcp", ml.addr.String())
		if err != nil {
			continue
		}
		fd, err := reuseportListenerFD(ln)
		_ = ln.Close()
		if err != nil {
			continue
		}
		d := c.NewDevFromFD(fd, FDListen, nil, ml.cb, ml.cbPara)
		d.local = ml.addr
		if err := d.BindEpump(BindGivenEpump, p.id, false); err != nil {
			_ = d.Close()
			continue
		}
		ml.mu.Lock()
		ml.perPumpDevs[p.id] = d
		ml.mu.Unlock()
	}
}

// reuseportListenerFD dups the kernel fd out of a net.Listener
// returned by go_reuseport.Listen so it can be handed to a Dev and
// driven directly by a Poller instead of net's own runtime poller.
// It does not close ln; its callers close the original net.Listener
// right after (the dup keeps the socket alive). Grounded on the teacher's own dupconn helper in watcher.go,
// which does the same SyscallConn-based fd duplication for net.Conn.
func reuseportListenerFD(ln net.Listener) (int, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return -1, errors.New("listener does not support SyscallConn")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "syscallconn")
	}
	var dupfd int
	var dupErr error
	err = raw.Control(func(fd uintptr) {
		dupfd, dupErr = unix.Dup(int(fd))
	})
	if err != nil {
		return -1, errors.Wrap(err, "raw control")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "dup")
	}
	_ = unix.SetNonblock(dupfd, true)
	return dupfd, nil
}

// Close tears down every socket the multi-listen endpoint opened.
func (ml *multiListen) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if ml.reusePort {
		for _, d := range ml.perPumpDevs {
			_ = d.Close()
		}
		ml.perPumpDevs = map[uint64]*Dev{}
		return nil
	}
	if ml.shared != nil {
		err := ml.shared.Close()
		ml.shared = nil
		return err
	}
	return nil
}
