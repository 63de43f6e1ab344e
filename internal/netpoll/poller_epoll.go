//go:build linux

package netpoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const initEvents = 128

// epollPoller is the Linux backend, grounded on
// other_examples/1898e4fc_panlibin-gnet__internal-netpoll-epoll.go.go
// (EpollCreate1/EpollCtl/EpollWait plus an eventfd wake trigger).
type epollPoller struct {
	fd     int
	wfd    int // eventfd used to Wake a blocked Dispatch
	wfdBuf [8]byte
	events []unix.EpollEvent
}

func openPoller(maxFD int) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}

	wfd, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if errno != 0 {
		_ = unix.Close(epfd)
		return nil, errors.Wrap(errno, "eventfd2")
	}

	p := &epollPoller{
		fd:     epfd,
		wfd:    int(wfd),
		events: make([]unix.EpollEvent, initEvents),
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, p.wfd, &unix.EpollEvent{Fd: int32(p.wfd), Events: unix.EPOLLIN}); err != nil {
		_ = unix.Close(p.wfd)
		_ = unix.Close(p.fd)
		return nil, errors.Wrap(err, "epoll_ctl add wakefd")
	}
	_ = maxFD // epoll doesn't need a fixed table size up front
	return p, nil
}

func epollEvents(read, write bool) uint32 {
	var ev uint32
	if read {
		ev |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) Set(fd int, read, write bool) error {
	ev := epollEvents(read, write)
	if ev == 0 {
		return p.Clear(fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: ev})
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: ev})
	}
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "epoll_ctl set")
	}
	return nil
}

func (p *epollPoller) Clear(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (p *epollPoller) Wake() error {
	one := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(p.wfd, one[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

func (p *epollPoller) Dispatch(timeout time.Duration) ([]Event, error) {
	if timeout <= 0 || timeout > MaxPollTimeout {
		timeout = MaxPollTimeout
	}
	ms := int(timeout / time.Millisecond)

	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.fd, p.events, ms)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, errors.Wrap(err, "epoll_wait")
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		if fd == p.wfd {
			_, _ = unix.Read(p.wfd, p.wfdBuf[:])
			continue
		}
		out = append(out, Event{
			Fd:       fd,
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hup:      raw.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)<<1)
	}

	return out, nil
}

func (p *epollPoller) Close() error {
	_ = unix.Close(p.wfd)
	return unix.Close(p.fd)
}
