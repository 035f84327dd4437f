//go:build windows

package nxjit

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type processMemory struct{}

func (processMemory) Read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	var n uintptr
	err := windows.ReadProcessMemory(windows.CurrentProcess(), addr, &buf[0], uintptr(len(buf)), &n)
	if err != nil {
		return fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n != uintptr(len(buf)) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

func (processMemory) Write(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	var n uintptr
	err := windows.WriteProcessMemory(windows.CurrentProcess(), addr, &buf[0], uintptr(len(buf)), &n)
	if err != nil {
		return fmt.Errorf("write %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n != uintptr(len(buf)) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}
