//go:build unix && !(linux || darwin || freebsd || netbsd || openbsd)

package nxjit

import (
	"fmt"
	"runtime"
)

type noPager struct{}

func newPager() pager {
	return noPager{}
}

func (noPager) granularity() uintptr {
	return pageSize
}

func (noPager) mapAt(addr uintptr, size int) ([]byte, error) {
	return nil, fmt.Errorf("%w: executable mappings on %s", ErrUnsupported, runtime.GOOS)
}
