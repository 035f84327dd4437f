//go:build unix

package nxjit

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protectRead = unix.PROT_READ
	protectRX   = unix.PROT_READ | unix.PROT_EXEC
)

// protect changes the protection of every page that r touches.
func protect(r Range, prot int) error {
	// Round the start down and the end up to page boundaries.
	start := r.Start &^ (pageSize - 1)
	end := (r.End + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	return unix.Mprotect(region, prot)
}
