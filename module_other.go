//go:build !windows

package nxjit

// MainModule returns the base address of the process's executable. Only PE
// images are understood, so there's nothing to find here.
func MainModule() (uintptr, error) {
	return 0, ErrUnsupported
}
