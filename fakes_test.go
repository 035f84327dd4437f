package nxjit

import (
	"fmt"
	"sort"
	"sync"
)

// fakeSpace is a sparse address space for tests. It serves both as the
// Memory that code is decoded from and as the pager that code buffers are
// mapped from, so translated code can be decoded again.
type fakeSpace struct {
	mu       sync.Mutex
	mappings []fakeMapping
	gran     uintptr

	// reads counts calls to Read.
	reads int

	// attempts records every address mapAt was asked for.
	attempts []uintptr
}

type fakeMapping struct {
	base, size uintptr

	// data is nil for reserved ranges, which can't be read.
	data []byte
}

func (m fakeMapping) end() uintptr {
	return m.base + m.size
}

func newFakeSpace() *fakeSpace {
	return &fakeSpace{gran: 0x1000}
}

func (s *fakeSpace) insert(m fakeMapping) {
	s.mappings = append(s.mappings, m)
	sort.Slice(s.mappings, func(i, j int) bool {
		return s.mappings[i].base < s.mappings[j].base
	})
}

// add maps data at addr.
func (s *fakeSpace) add(addr uintptr, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(fakeMapping{base: addr, size: uintptr(len(data)), data: data})
}

// addCode maps code at addr, padded with zeros to the end of the page.
func (s *fakeSpace) addCode(addr uintptr, code ...byte) {
	end := (addr + uintptr(len(code)) + pageSize - 1) &^ (pageSize - 1)
	data := make([]byte, end-addr)
	copy(data, code)
	s.add(addr, data)
}

// reserve makes [start, end) unavailable to mapAt without making it
// readable.
func (s *fakeSpace) reserve(start, end uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(fakeMapping{base: start, size: end - start})
}

func (s *fakeSpace) find(addr uintptr) (fakeMapping, bool) {
	for _, m := range s.mappings {
		if addr >= m.base && addr < m.end() && m.data != nil {
			return m, true
		}
	}
	return fakeMapping{}, false
}

func (s *fakeSpace) Read(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++

	for done := 0; done < len(buf); {
		a := addr + uintptr(done)
		m, ok := s.find(a)
		if !ok {
			return fmt.Errorf("fault reading %#x", a)
		}
		done += copy(buf[done:], m.data[a-m.base:])
	}
	return nil
}

func (s *fakeSpace) Write(addr uintptr, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for done := 0; done < len(buf); {
		a := addr + uintptr(done)
		m, ok := s.find(a)
		if !ok {
			return fmt.Errorf("fault writing %#x", a)
		}
		done += copy(m.data[a-m.base:], buf[done:])
	}
	return nil
}

// bytes reads n bytes at addr, panicking if they aren't mapped.
func (s *fakeSpace) bytes(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	if err := s.Read(addr, buf); err != nil {
		panic(err)
	}
	return buf
}

func (s *fakeSpace) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *fakeSpace) mapAttempts() []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uintptr(nil), s.attempts...)
}

func (s *fakeSpace) granularity() uintptr {
	return s.gran
}

func (s *fakeSpace) mapAt(addr uintptr, size int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = append(s.attempts, addr)

	end := addr + uintptr(size)
	if end < addr {
		return nil, errInUse
	}
	for _, m := range s.mappings {
		if addr < m.end() && m.base < end {
			return nil, errInUse
		}
	}

	data := make([]byte, size)
	s.insert(fakeMapping{base: addr, size: uintptr(size), data: data})
	return data, nil
}
