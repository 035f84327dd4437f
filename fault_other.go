//go:build !(windows && amd64)

package nxjit

type faultHook struct{}

// The Go runtime handles SIGSEGV itself and won't pass it on, so there's
// nowhere to hook in.
func installFaultHook(d *Dispatcher) (*faultHook, error) {
	return nil, ErrUnsupported
}

func (h *faultHook) remove() error {
	return nil
}
