//go:build linux || darwin || freebsd || netbsd || openbsd

package nxjit

import (
	"errors"
	"fmt"

	"github.com/pboyd/malloc"
	"golang.org/x/sys/unix"
)

type mmapPager struct{}

func newPager() pager {
	return mmapPager{}
}

func (mmapPager) granularity() uintptr {
	return pageSize
}

// mapAt gets a fresh backend for every buffer. The backend keeps the
// mapping alive, the code cache never gives it back.
func (mmapPager) mapAt(addr uintptr, size int) ([]byte, error) {
	be := malloc.MmapBackend(
		malloc.MmapAddr(addr),
		malloc.MmapProt(unix.PROT_EXEC),
		malloc.MmapFlags(_MAP_FIXED_NOREPLACE),
	)

	mem, err := be.Grow(nil, uintptr(size))
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, errInUse
		}
		return nil, fmt.Errorf("mmap %#x: %w", addr, err)
	}

	// Without MAP_FIXED_NOREPLACE the kernel may have put it elsewhere.
	if addrOf(mem) != addr {
		if fb, ok := be.(malloc.FreeableArenaBackend); ok {
			fb.Free(mem)
		}
		return nil, errInUse
	}

	return mem[:size], nil
}
