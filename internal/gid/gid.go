// Package gid extracts the calling goroutine's runtime id, the same
// trick goroutineid-style helper packages provide. It is used to find
// the pump driving the calling goroutine (Core.currentPump, for
// spec.md §4.3's CURRENT_EPUMP bind type and the GIVEN_EPUMP and timer
// fallbacks) and to record a timer's caller goroutine.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current parses the running goroutine's id out of runtime.Stack's
// "goroutine NNN [running]:" header line. This is the standard
// zero-dependency technique for goroutine-local lookups in Go; it is
// only used for pump lookup and bookkeeping, never for
// correctness-critical synchronization.
func Current() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	buf = buf[len(prefix):]
	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
