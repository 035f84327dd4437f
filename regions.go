package nxjit

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Range is a half-open address range [Start, End).
type Range struct {
	Start, End uintptr
}

// Contains reports whether addr is in r.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns the size of r in bytes.
func (r Range) Len() uintptr {
	return r.End - r.Start
}

func (r Range) overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// String formats r as start-end in hex.
func (r Range) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}

// Registry holds the ranges that have had execute permission removed. Ranges
// are only ever added.
//
// Contains is called from the fault handler on whatever thread faulted, so
// it reads a published snapshot and never takes a lock.
type Registry struct {
	mu     sync.Mutex
	ranges atomic.Pointer[[]Range]
}

// Register adds the ranges to the registry. Either all of them are added or,
// if any is empty or overlaps another, none are. The memory should already
// be non-executable.
func (reg *Registry) Register(rs ...Range) error {
	for _, r := range rs {
		if r.End <= r.Start {
			return fmt.Errorf("empty range %v", r)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	var current []Range
	if p := reg.ranges.Load(); p != nil {
		current = *p
	}

	next := make([]Range, len(current), len(current)+len(rs))
	copy(next, current)

	for _, r := range rs {
		for _, existing := range next {
			if existing.overlaps(r) {
				return fmt.Errorf("range %v overlaps %v", r, existing)
			}
		}
		next = append(next, r)
	}
	reg.ranges.Store(&next)

	return nil
}

// Contains reports whether addr falls in a registered range.
func (reg *Registry) Contains(addr uintptr) bool {
	p := reg.ranges.Load()
	if p == nil {
		return false
	}

	for _, r := range *p {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Ranges returns a copy of the registered ranges in registration order.
func (reg *Registry) Ranges() []Range {
	p := reg.ranges.Load()
	if p == nil {
		return nil
	}
	return append([]Range(nil), *p...)
}
