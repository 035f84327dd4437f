package nxjit

import (
	"encoding/binary"
	"os"
	"unsafe"
)

// Memory gives access to the address space that code is decoded from.
type Memory interface {
	// Read fills buf with the bytes at addr. It fails if any byte in the
	// range can't be read.
	Read(addr uintptr, buf []byte) error

	// Write copies buf to addr.
	Write(addr uintptr, buf []byte) error
}

// ProcessMemory returns a Memory for the current process.
func ProcessMemory() Memory {
	return processMemory{}
}

var pageSize = uintptr(os.Getpagesize())

// readUpTo reads as many bytes at addr as it can, up to len(buf). A read
// that crosses into an unreadable page is retried up to the page boundary.
func readUpTo(mem Memory, addr uintptr, buf []byte) int {
	if mem.Read(addr, buf) == nil {
		return len(buf)
	}

	pageEnd := (addr | (pageSize - 1)) + 1
	n := int(pageEnd - addr)
	if n <= 0 || n >= len(buf) {
		return 0
	}

	if mem.Read(addr, buf[:n]) == nil {
		return n
	}
	return 0
}

// memReader adapts a Memory to io.Reader, starting at addr.
type memReader struct {
	mem  Memory
	addr uintptr
}

func (r *memReader) Read(p []byte) (int, error) {
	if err := r.mem.Read(r.addr, p); err != nil {
		return 0, err
	}
	r.addr += uintptr(len(p))
	return len(p), nil
}

func readUint64(mem Memory, addr uintptr) (uint64, error) {
	var buf [8]byte
	if err := mem.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func addrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}
