//go:build windows && amd64

package nxjit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

const (
	_EXCEPTION_ACCESS_VIOLATION = 0xC0000005

	_EXCEPTION_CONTINUE_EXECUTION = ^uintptr(0)
	_EXCEPTION_CONTINUE_SEARCH    = 0

	// Call the handler before any that are already registered.
	_VEH_FIRST = 1
)

var (
	kernel32                           = windows.NewLazySystemDLL("kernel32.dll")
	procAddVectoredExceptionHandler    = kernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = kernel32.NewProc("RemoveVectoredExceptionHandler")

	vectoredCallback     uintptr
	vectoredCallbackOnce sync.Once

	// The callback can't carry state, so there's only ever one dispatcher.
	activeDispatcher atomic.Pointer[Dispatcher]
)

type exceptionRecord struct {
	Code             uint32
	Flags            uint32
	Record           *exceptionRecord
	Address          uintptr
	NumberParameters uint32
	_                uint32
	Information      [15]uintptr
}

// amd64 CONTEXT, only as far as Rip.
type exceptionContext struct {
	P1Home, P2Home, P3Home, P4Home, P5Home, P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs, SegDs, SegEs, SegFs, SegGs, SegSs uint16
	EFlags                                   uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Rax, Rcx, Rdx, Rbx, Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64

	Rip uint64
}

type exceptionPointers struct {
	Record  *exceptionRecord
	Context *exceptionContext
}

type faultHook struct {
	handle uintptr
}

func installFaultHook(d *Dispatcher) (*faultHook, error) {
	vectoredCallbackOnce.Do(func() {
		vectoredCallback = windows.NewCallback(vectoredHandler)
	})

	if !activeDispatcher.CompareAndSwap(nil, d) {
		return nil, errors.New("a fault handler is already installed")
	}

	h, _, err := procAddVectoredExceptionHandler.Call(_VEH_FIRST, vectoredCallback)
	if h == 0 {
		activeDispatcher.Store(nil)
		return nil, fmt.Errorf("AddVectoredExceptionHandler: %w", err)
	}

	return &faultHook{handle: h}, nil
}

func (h *faultHook) remove() error {
	defer activeDispatcher.Store(nil)

	r, _, err := procRemoveVectoredExceptionHandler.Call(h.handle)
	if r == 0 {
		return fmt.Errorf("RemoveVectoredExceptionHandler: %w", err)
	}
	return nil
}

func vectoredHandler(ptrs *exceptionPointers) uintptr {
	d := activeDispatcher.Load()
	if d == nil {
		return _EXCEPTION_CONTINUE_SEARCH
	}

	verdict, dest := d.Handle(faultFromRecord(ptrs.Record))
	if verdict != ContinueExecution {
		return _EXCEPTION_CONTINUE_SEARCH
	}

	ptrs.Context.Rip = uint64(dest)
	return _EXCEPTION_CONTINUE_EXECUTION
}

func faultFromRecord(rec *exceptionRecord) Fault {
	f := Fault{
		Code: rec.Code,
		Addr: rec.Address,
	}
	if rec.Code != _EXCEPTION_ACCESS_VIOLATION || rec.NumberParameters < 2 {
		return f
	}

	f.Kind = AccessViolation
	f.Addr = rec.Information[1]
	switch rec.Information[0] {
	case 0:
		f.Access = AccessRead
	case 1:
		f.Access = AccessWrite
	case 8:
		f.Access = AccessExecute
	}
	return f
}
