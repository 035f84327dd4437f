//go:build unix

package nxjit

import (
	"fmt"
	"runtime/debug"
	"unsafe"
)

type processMemory struct{}

// Read copies byte by byte with SetPanicOnFault enabled so that an unmapped
// or unreadable address comes back as an error rather than crashing.
func (processMemory) Read(addr uintptr, buf []byte) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read %d bytes at %#x: %v", len(buf), addr, r)
		}
	}()

	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	for i := range buf {
		buf[i] = src[i]
	}
	return nil
}

func (processMemory) Write(addr uintptr, buf []byte) (err error) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write %d bytes at %#x: %v", len(buf), addr, r)
		}
	}()

	dest := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf))
	for i := range buf {
		dest[i] = buf[i]
	}
	return nil
}
