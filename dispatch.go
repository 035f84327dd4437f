package nxjit

import (
	"fmt"

	"go.uber.org/zap"
)

// FaultKind classifies a fault. Only access violations are ever claimed.
type FaultKind int

const (
	OtherFault FaultKind = iota
	AccessViolation
)

func (k FaultKind) String() string {
	switch k {
	case AccessViolation:
		return "access violation"
	default:
		return "other"
	}
}

// AccessType is the kind of access that caused an access violation.
type AccessType int

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("AccessType(%d)", int(a))
	}
}

// Fault describes a hardware fault in platform independent terms.
type Fault struct {
	// Code is the platform's code for the fault, for logging.
	Code uint32

	Kind   FaultKind
	Access AccessType

	// Addr is the address that couldn't be accessed. For an execute fault
	// that's also the instruction pointer.
	Addr uintptr
}

// Verdict tells the platform what to do with a fault after Handle.
type Verdict int

const (
	// ContinueSearch leaves the fault for the next handler.
	ContinueSearch Verdict = iota

	// ContinueExecution resumes the thread at the address returned with
	// the verdict.
	ContinueExecution
)

func (v Verdict) String() string {
	if v == ContinueExecution {
		return "continue execution"
	}
	return "continue search"
}

// Resolver maps a faulting address to the address to resume at.
type Resolver interface {
	Resolve(addr uintptr) (uintptr, error)
}

// A Resolver that implements sourceMapper gets faults inside its own code
// annotated with where that code came from.
type sourceMapper interface {
	SourceOf(addr uintptr) (uintptr, bool)
}

// Dispatcher decides which faults belong to the protected ranges.
type Dispatcher struct {
	regions  *Registry
	resolver Resolver
	log      *zap.Logger
}

func NewDispatcher(regions *Registry, resolver Resolver, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		regions:  regions,
		resolver: resolver,
		log:      log,
	}
}

// Handle decides what to do with f. Only execute faults inside a registered
// range are claimed, and only when the resolver comes back with an address.
func (d *Dispatcher) Handle(f Fault) (Verdict, uintptr) {
	if f.Kind != AccessViolation || f.Access != AccessExecute {
		d.unclaimed(f, "not an execute fault")
		return ContinueSearch, 0
	}

	if !d.regions.Contains(f.Addr) {
		d.unclaimed(f, "outside protected ranges")
		return ContinueSearch, 0
	}

	dest, err := d.resolver.Resolve(f.Addr)
	if err != nil {
		d.log.Error("unable to resolve fault",
			zap.Stringer("addr", hexAddr(f.Addr)),
			zap.Error(err),
		)
		return ContinueSearch, 0
	}
	if dest == 0 {
		d.unclaimed(f, "no destination")
		return ContinueSearch, 0
	}

	d.log.Debug("resuming in code cache",
		zap.Stringer("addr", hexAddr(f.Addr)),
		zap.Stringer("dest", hexAddr(dest)),
	)
	return ContinueExecution, dest
}

func (d *Dispatcher) unclaimed(f Fault, reason string) {
	ce := d.log.Check(zap.DebugLevel, "fault not claimed")
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.String("reason", reason),
		zap.Stringer("addr", hexAddr(f.Addr)),
		zap.Uint32("code", f.Code),
		zap.Stringer("kind", f.Kind),
		zap.Stringer("access", f.Access),
	}
	if sm, ok := d.resolver.(sourceMapper); ok {
		if source, ok := sm.SourceOf(f.Addr); ok {
			fields = append(fields, zap.Stringer("source", hexAddr(source)))
		}
	}
	ce.Write(fields...)
}
