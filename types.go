package epump

import "time"

// FDKind tags what kind of descriptor a Dev wraps, mirroring the
// original FDT_* constants in include/epump.h.
type FDKind int

const (
	FDListen FDKind = 1 << iota
	FDConnected
	FDAccepted
	FDUDPServer
	FDUDPClient
	FDUnixListen
	FDUnixConnected
	FDUnixAccepted
	FDRawSocket
	FDFile
	FDTimer
	FDUserCmd
	FDLingerClose
	FDStdin
	FDStdout
)

func (k FDKind) String() string {
	switch k {
	case FDListen:
		return "listen"
	case FDConnected:
		return "connected"
	case FDAccepted:
		return "accepted"
	case FDUDPServer:
		return "udp-server"
	case FDUDPClient:
		return "udp-client"
	case FDUnixListen:
		return "unix-listen"
	case FDUnixConnected:
		return "unix-connected"
	case FDUnixAccepted:
		return "unix-accepted"
	case FDRawSocket:
		return "raw"
	case FDFile:
		return "file"
	case FDTimer:
		return "timer-marker"
	case FDUserCmd:
		return "user-cmd"
	case FDLingerClose:
		return "linger-close"
	case FDStdin:
		return "stdin"
	case FDStdout:
		return "stdout"
	default:
		return "unknown"
	}
}

// RWFlag is the bitset of monitored intents for a Dev.
type RWFlag uint8

const (
	RWNone  RWFlag = 0
	RWRead  RWFlag = 0x02
	RWWrite RWFlag = 0x04
)

// IOState is the dev fd-lifecycle state machine called for by
// spec.md §9's re-architecture guidance, replacing the C original's
// recursive per-object critical section.
type IOState int

const (
	StateNew IOState = iota
	StateConnecting
	StateAccepting
	StateReadWrite
	StateResolving
	StateClosing
	StateClosed
)

// TriState is the TCP tuning tri-state used for nodelay/nopush.
type TriState int

const (
	TriUnset TriState = iota
	TriSet
	TriDisable
)

// BindType selects which pump(s) a Dev attaches to.
type BindType int

const (
	BindNone BindType = iota
	BindOneEpump
	BindGivenEpump
	BindCurrentEpump
	BindAllEpump
)

// EventKind is the stable, wire-visible-to-user-code event code table
// from spec.md §6. Numeric values must not change; applications
// compare them directly.
type EventKind int

const (
	EventConnected   EventKind = 1
	EventConnFail    EventKind = 2
	EventAccept      EventKind = 3
	EventRead        EventKind = 4
	EventWrite       EventKind = 5
	EventInvalidDev  EventKind = 6
	EventTimeout     EventKind = 100
	EventDNSRecv     EventKind = 200
	EventDNSClose    EventKind = 201
	EventUserDefined EventKind = 10000
)

// IdleCmdID is the reserved timer command id whose para is interpreted
// as a Dev to be closed — used by the linger-close path (spec.md §4.4).
const IdleCmdID = -1

// DNS status/response codes, copied verbatim from
// _examples/original_source/include/epump.h's DNS_ERR_* table so
// applications that compare the numeric value keep working.
type DNSStatus int

const (
	DNSNoError       DNSStatus = 0
	DNSFormatError   DNSStatus = 1
	DNSServerFailure DNSStatus = 2
	DNSNameError     DNSStatus = 3
	DNSUnsupported   DNSStatus = 4
	DNSRefused       DNSStatus = 5
	DNSIPv4          DNSStatus = 200
	DNSIPv6          DNSStatus = 201
	DNSNoResponse    DNSStatus = 404
	DNSSendFail      DNSStatus = 405
	DNSResourceFail  DNSStatus = 500
)

// pumpLoadRebalanceInterval / workerLoadRebalanceInterval are the
// periods over which pumps/workers are re-sorted by load; selection
// round-robins within the window to avoid thrashing, per spec.md
// §4.6/§4.7. workerIdleWait bounds a worker's signal wait and
// lingerCloseDelay is LingerClose's idle timer.
const (
	pumpLoadRebalanceInterval   = 5 * time.Second
	workerLoadRebalanceInterval = 10 * time.Second
	workerIdleWait              = 5 * time.Second
	lingerCloseDelay            = 2 * time.Second
)
