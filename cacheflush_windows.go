//go:build windows

package nxjit

import (
	"golang.org/x/sys/windows"
)

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

func cacheflush(buf []byte) {
	// Errors are ignored. On x86 the call is only a serializing barrier.
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addrOf(buf), uintptr(len(buf)))
}
