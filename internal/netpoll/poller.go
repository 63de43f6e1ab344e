// Package netpoll abstracts the kernel readiness mechanism (epoll on
// Linux, kqueue on BSD/Darwin) behind a small four-operation interface,
// matching the "Poller" collaborator described by the dispatch engine's
// design: init/clean, set, clear, dispatch.
package netpoll

import (
	"time"
)

// Event describes one readiness occurrence returned by Dispatch.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hup reports a hangup/error condition (EPOLLHUP|EPOLLERR, or
	// EV_EOF|EV_ERROR on kqueue); the caller should treat the fd as
	// invalid regardless of Readable/Writable.
	Hup bool
}

// MaxPollTimeout caps the dispatch wait, matching the 35-minute ceiling
// the design calls for so timer-driven wakeups never starve behind a
// pathologically long kernel wait.
const MaxPollTimeout = 35 * time.Minute

// Poller is the kernel-readiness abstraction every Pump drives. Set and
// Clear may be called from any goroutine once the caller holds the
// target fd's lifecycle lock; Dispatch is only ever called by the
// owning pump goroutine.
type Poller interface {
	// Set ensures the kernel is watching fd for the given intent.
	// Calling with read=false and write=false removes the
	// registration (equivalent to Clear). Add-if-absent,
	// modify-if-present semantics. EBADF/ENOENT are treated as
	// idempotent success by implementations.
	Set(fd int, read, write bool) error

	// Clear unconditionally removes fd from the watched set.
	Clear(fd int) error

	// Dispatch blocks up to timeout (capped at MaxPollTimeout; <=0
	// here always means "use the cap", callers translate "wait
	// forever" into MaxPollTimeout themselves) and returns the
	// descriptors that became ready, or were woken via Wake.
	Dispatch(timeout time.Duration) ([]Event, error)

	// Wake unblocks a goroutine currently parked in Dispatch. It is
	// idempotent and non-blocking, matching the wake-up channel
	// contract: multiple Wake calls between two Dispatch returns
	// coalesce into at most one extra wakeup.
	Wake() error

	// Close releases the underlying kernel resources.
	Close() error
}

// Open instantiates the platform poller backend.
func Open(maxFD int) (Poller, error) {
	return openPoller(maxFD)
}
