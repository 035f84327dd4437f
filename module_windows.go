//go:build windows

package nxjit

import "golang.org/x/sys/windows"

// MainModule returns the base address of the process's executable.
func MainModule() (uintptr, error) {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &h); err != nil {
		return 0, err
	}
	return uintptr(h), nil
}
