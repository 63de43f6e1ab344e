package epump

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// UDPListen opens a bound UDP socket and wraps it in a read-ready Dev,
// per spec.md §6's epudp_listen. Like TCPListen this is thin plumbing
// over Dev.BindEpump. The resolver (internal/resolver) does not use
// these helpers; it opens and polls its own UDP sockets.
func (c *Core) UDPListen(addr string, cb EventCallback, cbPara any, bindType BindType, epumpID uint64) (*Dev, error) {
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "parse udp listen addr")
	}
	fd, err := udpSocket(ap)
	if err != nil {
		return nil, err
	}
	sa, err := sockaddrFor(ap)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "bind")
	}

	d := c.NewDevFromFD(fd, FDUDPServer, nil, cb, cbPara)
	d.local = ap
	if err := d.BindEpump(bindType, epumpID, false); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// UDPClient opens an unbound (or connected, if remote is valid) UDP
// socket for sending, per spec.md §6's epudp_client.
func (c *Core) UDPClient(remote netip.AddrPort, cb EventCallback, cbPara any, bindType BindType, epumpID uint64) (*Dev, error) {
	ap := remote
	if !ap.IsValid() {
		ap = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
	}
	fd, err := udpSocket(ap)
	if err != nil {
		return nil, err
	}

	d := c.NewDevFromFD(fd, FDUDPClient, nil, cb, cbPara)
	if remote.IsValid() {
		d.remote = remote
		sa, err := sockaddrFor(remote)
		if err == nil {
			_ = unix.Connect(fd, sa)
		}
	}
	if err := d.BindEpump(bindType, epumpID, false); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func udpSocket(ap netip.AddrPort) (int, error) {
	domain := unix.AF_INET
	if ap.Addr().Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "set nonblock")
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	return fd, nil
}

// RecvFrom drains one pending datagram off d, per spec.md §6's
// epudp_recvfrom. Returns (0, zero-addr, err) with err==unix.EAGAIN
// wrapped into ErrEmptyBuffer when nothing is pending (edge-triggered
// backends must not treat this as fatal).
func (d *Dev) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return 0, netip.AddrPort{}, ErrClosed
	}
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, netip.AddrPort{}, errors.Wrap(ErrEmptyBuffer, "recvfrom")
		}
		return 0, netip.AddrPort{}, errors.Wrap(err, "recvfrom")
	}
	var from netip.AddrPort
	if sa != nil {
		from = sockaddrToAddrPort(sa)
	}
	return n, from, nil
}

// SendTo writes one datagram to a specific peer (or the connected peer
// when to is zero and the socket was created via UDPClient with a
// remote address), per spec.md §6's epudp_client send path.
func (d *Dev) SendTo(buf []byte, to netip.AddrPort) (int, error) {
	d.mu.Lock()
	fd := d.fd
	d.mu.Unlock()
	if fd < 0 {
		return 0, ErrClosed
	}
	if !to.IsValid() {
		return unix.Write(fd, buf)
	}
	sa, err := sockaddrFor(to)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(fd, buf, 0, sa); err != nil {
		return 0, errors.Wrap(err, "sendto")
	}
	return len(buf), nil
}
