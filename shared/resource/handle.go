// Package resource provides a single-owner wrapper over an OS file
// descriptor that guarantees release on every exit path.
package resource

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Handle owns exactly one file descriptor. The zero Handle is not usable;
// construct one with New. A Handle must not be copied after first use.
type Handle struct {
	fd     int32
	closed atomic.Bool
}

// New takes ownership of fd. Callers must not use fd directly afterwards.
func New(fd int) *Handle {
	return &Handle{fd: int32(fd)}
}

// Invalid reports whether the handle was released or never held a valid fd.
func (h *Handle) Invalid() bool {
	return h == nil || h.closed.Load() || h.fd < 0
}

// FD returns the underlying descriptor. Panics if the handle was released.
func (h *Handle) FD() int {
	if h.closed.Load() {
		panic("resource: use of released Handle")
	}
	return int(h.fd)
}

// Release relinquishes ownership without closing the descriptor, returning
// it to the caller. Used when a descriptor is handed off (e.g. to a child
// process or to net.FileConn, which dups it) and must not be double-closed.
func (h *Handle) Release() int {
	if h.closed.Swap(true) {
		return -1
	}
	return int(h.fd)
}

// Close closes the descriptor if still owned. Safe to call multiple times
// and safe to call on a nil Handle.
func (h *Handle) Close() error {
	if h == nil || h.closed.Swap(true) {
		return nil
	}
	return unix.Close(int(h.fd))
}
