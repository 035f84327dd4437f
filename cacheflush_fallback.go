//go:build !windows

package nxjit

// amd64 keeps the instruction cache coherent with stores.
func cacheflush(buf []byte) {}
