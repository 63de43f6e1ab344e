// Package resolver implements the non-blocking DNS resolver described
// by spec.md §4.10, grounded on original_source/src/epdns.c/epdns.h.
// It is kept free of any dependency on the root epump package (Core
// owns a *resolver.Resolver, so the reverse import would cycle) and
// instead drives its own UDP sockets directly through
// internal/netpoll — the same Poller abstraction pumps use, satisfying
// spec.md's "runs on the same dispatch substrate" without needing a
// circular handle back into Core.
package resolver

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/kehengzhong/epump/internal/netpoll"
)

// Status mirrors spec.md §6's DNS_ERR_* numeric table (kept in sync
// with the root package's DNSStatus by hand, since the two packages
// cannot share the type without an import cycle).
type Status int

const (
	NoError       Status = 0
	FormatError   Status = 1
	ServerFailure Status = 2
	NameError     Status = 3
	Unsupported   Status = 4
	Refused       Status = 5
	IPv4          Status = 200
	IPv6          Status = 201
	NoResponse    Status = 404
	SendFail      Status = 405
	ResourceFail  Status = 500
)

// Callback receives the resolved status plus any addresses found.
// Called synchronously (from the caller's own goroutine) for the
// literal-IP and cache-hit fast paths, per spec.md's E4 test
// ("fires synchronously from within the same thread stack"); called
// from the resolver's own dispatch goroutine for cache misses.
type Callback func(status Status, addrs []netip.Addr)

const (
	queryLifetime       = 12 * time.Second
	maxRetransmissions  = 3
	cacheTTLMultiplier  = 2
	cacheSweepInterval  = 30 * time.Second
	circuitResetPeriod  = 300 * time.Second
	circuitMinTries     = 16
	circuitFailureRatio = 0.95
)

type cacheEntry struct {
	addrs     []netip.Addr
	ttl       time.Duration
	cachedAt  time.Time
	tries atomic.Int64
	fails atomic.Int64
}

func (e *cacheEntry) valid(now time.Time) bool {
	return len(e.addrs) > 0 && now.Sub(e.cachedAt) < e.ttl*cacheTTLMultiplier
}

func (e *cacheEntry) circuitOpen(now time.Time) bool {
	tries := e.tries.Load()
	if tries < circuitMinTries {
		return false
	}
	ratio := float64(e.fails.Load()) / float64(tries)
	return ratio >= circuitFailureRatio
}

type inflightQuery struct {
	id       uint16
	name     string
	qtype    uint16
	cb       Callback
	sentAt   time.Time
	retries  int
	deadline time.Time
}

// Resolver holds the name-server list, per-name cache, in-flight
// query table and UDP client sockets described by spec.md §4.10.
type Resolver struct {
	logger *zap.Logger

	serversMu sync.RWMutex
	servers   []netip.AddrPort
	nsCursor  atomic.Uint32

	cacheMu sync.Mutex
	cache   map[string]*cacheEntry

	inflightMu sync.Mutex
	inflight   map[uint16]*inflightQuery
	nextID     atomic.Uint32

	poller netpoll.Poller
	sock4  int
	sock6  int

	quit atomic.Bool
	done chan struct{}
}

// New constructs a Resolver and starts its background dispatch and
// cache-sweep goroutines. nameServers entries are "ip" or "ip:port"
// (port defaults to 53), mirroring dnsrv_add's contract (spec.md §6).
func New(nameServers []string, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		logger:   logger,
		cache:    make(map[string]*cacheEntry),
		inflight: make(map[uint16]*inflightQuery),
		sock4:    -1,
		sock6:    -1,
		done:     make(chan struct{}),
	}
	r.nextID.Store(1)

	for _, ns := range nameServers {
		if err := r.AddServer(ns, 0); err != nil {
			return nil, err
		}
	}

	poller, err := netpoll.Open(16)
	if err != nil {
		return nil, errors.Wrap(err, "resolver poller")
	}
	r.poller = poller

	sock4, err := udpClientSocket(false)
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	r.sock4 = sock4
	if err := poller.Set(sock4, true, false); err != nil {
		_ = unix.Close(sock4)
		_ = poller.Close()
		return nil, err
	}

	if sock6, err := udpClientSocket(true); err == nil {
		r.sock6 = sock6
		_ = poller.Set(sock6, true, false)
	}

	go r.dispatchLoop()
	go r.sweepLoop()
	return r, nil
}

func udpClientSocket(v6 bool) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, errors.Wrap(err, "dns client socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "dns client nonblock")
	}
	return fd, nil
}

// AddServer parses and appends a name-server endpoint, per spec.md
// §6's dnsrv_add. A bare "ip" string defaults to port 53; an explicit
// port argument (non-zero) overrides any port embedded in ip.
func (r *Resolver) AddServer(ip string, port int) error {
	host, embeddedPort := ip, 0
	if h, p, err := splitHostPort(ip); err == nil {
		host, embeddedPort = h, p
	}
	if port == 0 {
		port = embeddedPort
	}
	if port == 0 {
		port = 53
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return errors.Wrapf(err, "parse nameserver %q", ip)
	}
	r.serversMu.Lock()
	r.servers = append(r.servers, netip.AddrPortFrom(addr, uint16(port)))
	r.serversMu.Unlock()
	return nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return s, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return s, 0, err
	}
	return host, port, nil
}

// nextServer round-robins through the name-server list via a
// persisted cursor, per spec.md §4.10's recovered "cursor" detail
// (original_source/src/epdns.c).
func (r *Resolver) nextServer() (netip.AddrPort, bool) {
	r.serversMu.RLock()
	defer r.serversMu.RUnlock()
	if len(r.servers) == 0 {
		return netip.AddrPort{}, false
	}
	i := r.nsCursor.Add(1) - 1
	return r.servers[int(i)%len(r.servers)], true
}

// Query resolves name to one or more addresses, per spec.md §4.10's
// query() design-level steps 1-4.
func (r *Resolver) Query(name string, cb Callback) {
	if addr, err := netip.ParseAddr(name); err == nil {
		status := IPv4
		if addr.Is6() {
			status = IPv6
		}
		cb(status, []netip.Addr{addr})
		return
	}

	now := time.Now()
	r.cacheMu.Lock()
	entry, ok := r.cache[name]
	r.cacheMu.Unlock()

	if ok && entry.valid(now) {
		cb(NoError, entry.addrs)
		return
	}
	if ok && entry.circuitOpen(now) {
		cb(ServerFailure, nil)
		return
	}

	if _, any := r.nextServer(); !any {
		cb(ServerFailure, nil)
		return
	}

	r.sendQuery(name, cb, 0)
}

func (r *Resolver) sendQuery(name string, cb Callback, retries int) {
	id := uint16(r.nextID.Add(1) & 0xffff)
	msg, err := EncodeQuery(id, name, TypeA)
	if err != nil {
		cb(FormatError, nil)
		return
	}
	server, ok := r.nextServer()
	if !ok {
		cb(ServerFailure, nil)
		return
	}

	sock := r.sock4
	if server.Addr().Is6() && r.sock6 >= 0 {
		sock = r.sock6
	}
	sa, err := sockaddrFor(server)
	if err != nil {
		cb(FormatError, nil)
		return
	}
	if err := unix.Sendto(sock, msg, 0, sa); err != nil {
		r.noteFailure(name)
		if retries < maxRetransmissions {
			r.sendQuery(name, cb, retries+1)
			return
		}
		cb(SendFail, nil)
		return
	}

	q := &inflightQuery{
		id:       id,
		name:     name,
		qtype:    TypeA,
		cb:       cb,
		sentAt:   time.Now(),
		retries:  retries,
		deadline: time.Now().Add(queryLifetime),
	}
	r.inflightMu.Lock()
	r.inflight[id] = q
	r.inflightMu.Unlock()
}

func sockaddrFor(ap netip.AddrPort) (unix.Sockaddr, error) {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}, nil
}

// dispatchLoop is the resolver's private single-goroutine pump: it
// waits on the poller for UDP readiness and separately sweeps
// in-flight queries for their 12-second lifetime timeout, per spec.md
// §4.10's "schedule a 12-second lifetime timer" rule (simplified here
// to a periodic scan since the resolver's own in-flight table is
// small and short-lived — documented in DESIGN.md).
func (r *Resolver) dispatchLoop() {
	defer close(r.done)
	buf := make([]byte, 2048)
	for !r.quit.Load() {
		events, err := r.poller.Dispatch(time.Second)
		if err != nil {
			continue
		}
		for _, ev := range events {
			if !ev.Readable {
				continue
			}
			r.drainSocket(ev.Fd, buf)
		}
		r.expireOverdue()
	}
}

func (r *Resolver) drainSocket(fd int, buf []byte) {
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return
		}
		r.handleResponse(buf[:n])
	}
}

func (r *Resolver) expireOverdue() {
	now := time.Now()
	r.inflightMu.Lock()
	var overdue []*inflightQuery
	for id, q := range r.inflight {
		if now.After(q.deadline) {
			overdue = append(overdue, q)
			delete(r.inflight, id)
		}
	}
	r.inflightMu.Unlock()

	for _, q := range overdue {
		r.noteFailure(q.name)
		if q.retries < maxRetransmissions {
			r.sendQuery(q.name, q.cb, q.retries+1)
			continue
		}
		q.cb(NoResponse, nil)
	}
}

// handleResponse implements spec.md §4.10's handle() step: match id,
// decode, and either populate the cache, chase a CNAME/glue-bearing
// authority record, or surface the final status.
func (r *Resolver) handleResponse(buf []byte) {
	msg, err := Decode(buf)
	if err != nil {
		return
	}
	r.inflightMu.Lock()
	q, ok := r.inflight[msg.ID]
	if ok {
		delete(r.inflight, msg.ID)
	}
	r.inflightMu.Unlock()
	if !ok {
		return // stale or spoofed reply, drop silently
	}

	if len(msg.Questions) != 1 || !strings.EqualFold(msg.Questions[0].Name, q.name) || msg.Questions[0].Type != q.qtype || msg.Questions[0].Class != ClassIN {
		r.noteFailure(q.name)
		q.cb(FormatError, nil)
		return
	}

	if msg.RCODE == int(NameError) {
		r.noteFailure(q.name)
		q.cb(NameError, nil)
		return
	}

	var addrs []netip.Addr
	var cname string
	var minTTL time.Duration = -1
	for _, a := range msg.Answers {
		if a.IP.IsValid() {
			addrs = append(addrs, a.IP)
			ttl := time.Duration(a.TTL) * time.Second
			if minTTL < 0 || ttl < minTTL {
				minTTL = ttl
			}
		} else if a.Type == TypeCNAME && a.Name2 != "" {
			cname = a.Name2
		}
	}

	if len(addrs) > 0 {
		r.cacheMu.Lock()
		r.cache[q.name] = &cacheEntry{addrs: addrs, ttl: minTTL, cachedAt: time.Now()}
		r.cacheMu.Unlock()
		r.noteSuccess(q.name)
		q.cb(NoError, addrs)
		return
	}

	if cname != "" {
		// resolve the alias with the same caller-visible callback,
		// per spec.md §4.10's "if only CNAME -> look up the alias".
		r.Query(cname, q.cb)
		return
	}

	if glueAddrs := glueFromAuthority(msg); len(glueAddrs) > 0 {
		// authority advertises servers with additional-section glue;
		// retry against them directly rather than resolving NS names.
		r.serversMu.Lock()
		r.servers = append(glueAddrs, r.servers...)
		r.serversMu.Unlock()
		if q.retries < maxRetransmissions {
			r.sendQuery(q.name, q.cb, q.retries+1)
			return
		}
	}

	r.noteFailure(q.name)
	q.cb(NoResponse, nil)
}

// glueFromAuthority implements spec.md §4.10's recovered glue-match
// rule: an NS record in the authority section is only usable if the
// additional section carries an A/AAAA record for that same server
// name (original_source/src/epdns.c's glue-check loop).
func glueFromAuthority(msg *Message) []netip.AddrPort {
	var out []netip.AddrPort
	for _, ns := range msg.Authority {
		if ns.Type != TypeNS || ns.Name2 == "" {
			continue
		}
		for _, extra := range msg.Extra {
			if strings.EqualFold(extra.Name, ns.Name2) && extra.IP.IsValid() {
				out = append(out, netip.AddrPortFrom(extra.IP, 53))
			}
		}
	}
	return out
}

func (r *Resolver) noteFailure(name string) {
	r.cacheMu.Lock()
	e, ok := r.cache[name]
	if !ok {
		e = &cacheEntry{}
		r.cache[name] = e
	}
	r.cacheMu.Unlock()
	e.tries.Inc()
	e.fails.Inc()
}

func (r *Resolver) noteSuccess(name string) {
	r.cacheMu.Lock()
	e, ok := r.cache[name]
	r.cacheMu.Unlock()
	if ok {
		e.tries.Inc()
	}
}

// sweepLoop prunes expired cache entries every 30s and resets circuit
// breaker counters every 300s, reconciling spec.md §4.10's "30-second
// cache sweeper timer" design note with testable property E5's
// "300-second cache-sweep interval" — see DESIGN.md.
func (r *Resolver) sweepLoop() {
	ticker := time.NewTicker(cacheSweepInterval)
	defer ticker.Stop()
	since := time.Now()
	for !r.quit.Load() {
		select {
		case <-ticker.C:
		}
		now := time.Now()
		resetBreakers := now.Sub(since) >= circuitResetPeriod
		if resetBreakers {
			since = now
		}

		r.cacheMu.Lock()
		for name, e := range r.cache {
			if len(e.addrs) > 0 && !e.valid(now) {
				delete(r.cache, name)
				continue
			}
			if resetBreakers {
				e.tries.Store(0)
				e.fails.Store(0)
			}
		}
		r.cacheMu.Unlock()
	}
}

// Close stops the resolver's background goroutines and closes its
// sockets.
func (r *Resolver) Close() {
	r.quit.Store(true)
	_ = r.poller.Wake()
	<-r.done
	if r.sock4 >= 0 {
		_ = unix.Close(r.sock4)
	}
	if r.sock6 >= 0 {
		_ = unix.Close(r.sock6)
	}
	_ = r.poller.Close()
}
