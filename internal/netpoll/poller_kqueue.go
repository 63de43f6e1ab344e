//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package netpoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const initEvents = 128

// wakeIdent is the reserved kevent ident used for the EVFILT_USER wake
// trigger; 0 never collides with a real fd.
const wakeIdent = 0

// kqueuePoller is the BSD/Darwin backend, grounded on
// other_examples/67650d66_panlibin-gnet__internal-netpoll-kqueue.go.go.
type kqueuePoller struct {
	fd     int
	events []unix.Kevent_t
}

func openPoller(maxFD int) (Poller, error) {
	kfd, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	_, err = unix.Kevent(kfd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(kfd)
		return nil, errors.Wrap(err, "kevent register wake filter")
	}
	_ = maxFD
	return &kqueuePoller{fd: kfd, events: make([]unix.Kevent_t, initEvents)}, nil
}

var wakeTrigger = []unix.Kevent_t{{
	Ident:  wakeIdent,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

func (p *kqueuePoller) Wake() error {
	_, err := unix.Kevent(p.fd, wakeTrigger, nil, nil)
	if err != nil {
		return errors.Wrap(err, "kevent trigger")
	}
	return nil
}

func (p *kqueuePoller) Set(fd int, read, write bool) error {
	var changes []unix.Kevent_t
	if read {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_READ})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ})
	}
	if write {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_ADD, Filter: unix.EVFILT_WRITE})
	} else {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE})
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "kevent set")
	}
	return nil
}

func (p *kqueuePoller) Clear(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ},
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE},
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "kevent clear")
	}
	return nil
}

func (p *kqueuePoller) Dispatch(timeout time.Duration) ([]Event, error) {
	if timeout <= 0 || timeout > MaxPollTimeout {
		timeout = MaxPollTimeout
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())

	var n int
	var err error
	for {
		n, err = unix.Kevent(p.fd, nil, p.events, &ts)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, errors.Wrap(err, "kevent wait")
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		if raw.Ident == wakeIdent && raw.Filter == unix.EVFILT_USER {
			continue
		}
		fd := int(raw.Ident)
		hup := raw.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		out = append(out, Event{
			Fd:       fd,
			Readable: raw.Filter == unix.EVFILT_READ,
			Writable: raw.Filter == unix.EVFILT_WRITE,
			Hup:      hup,
		})
	}

	if n == len(p.events) {
		p.events = make([]unix.Kevent_t, len(p.events)<<1)
	}

	return out, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}
