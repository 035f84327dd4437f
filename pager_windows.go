//go:build windows

package nxjit

import (
	"fmt"
	"unsafe"

	"github.com/pboyd/malloc"
	"golang.org/x/sys/windows"
)

// VirtualAlloc bases are rounded down to this.
const allocationGranularity = 64 << 10

const _MEM_FREE = 0x10000

type virtualAllocPager struct{}

func newPager() pager {
	return virtualAllocPager{}
}

func (virtualAllocPager) granularity() uintptr {
	return allocationGranularity
}

// mapAt only allocates when the whole range is free.
func (virtualAllocPager) mapAt(addr uintptr, size int) ([]byte, error) {
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		return nil, fmt.Errorf("VirtualQuery %#x: %w", addr, err)
	}
	if info.State != _MEM_FREE || info.BaseAddress+info.RegionSize < addr+uintptr(size) {
		return nil, errInUse
	}

	be := malloc.MmapBackend(
		malloc.MmapAddr(addr),
		malloc.MmapProt(windows.PAGE_EXECUTE),
	)

	mem, err := be.Grow(nil, uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("VirtualAlloc %#x: %w", addr, err)
	}
	if addrOf(mem) != addr {
		if fb, ok := be.(malloc.FreeableArenaBackend); ok {
			fb.Free(mem)
		}
		return nil, errInUse
	}

	return mem[:size], nil
}
