package epump

import "errors"

// Sentinel errors, wrapped with call-site context via pkg/errors at
// I/O boundaries (see iodev.go, internal/netpoll, internal/resolver).
var (
	ErrClosed            = errors.New("epump: object closed")
	ErrNoRunningPump     = errors.New("epump: no running pump")
	ErrBadBindType       = errors.New("epump: invalid bind type")
	ErrInvalidArgument   = errors.New("epump: invalid argument")
	ErrResourceExhausted = errors.New("epump: resource exhausted")
	ErrNotFound          = errors.New("epump: object not found")
	ErrEmptyBuffer       = errors.New("epump: empty buffer")
	ErrCoreStopped       = errors.New("epump: core is stopping")
)
