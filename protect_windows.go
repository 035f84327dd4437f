//go:build windows

package nxjit

import (
	"golang.org/x/sys/windows"
)

const (
	protectRead = windows.PAGE_READONLY
	protectRX   = windows.PAGE_EXECUTE_READ
)

// protect changes the protection of every page that r touches.
func protect(r Range, prot int) error {
	start := r.Start &^ (pageSize - 1)
	end := (r.End + pageSize - 1) &^ (pageSize - 1)

	var old uint32
	return windows.VirtualProtect(start, end-start, uint32(prot), &old)
}
