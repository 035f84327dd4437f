package nxjit

import (
	"errors"
	"fmt"
	"math"

	"github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the size of buffers allocated on demand.
	DefaultBufferSize = 1 << 20

	// Code in the cache has to reach back to the original code with rel32
	// displacements.
	maxDisplacement = math.MaxInt32
)

// errInUse is returned by a pager when the address isn't free.
var errInUse = errors.New("address in use")

// pager maps executable memory at a fixed address.
type pager interface {
	// granularity is the alignment and step for mapAt addresses.
	granularity() uintptr

	// mapAt maps size bytes of RWX memory at exactly addr. It fails if any
	// of that range is already mapped.
	mapAt(addr uintptr, size int) ([]byte, error)
}

type codeBuffer struct {
	base, end, cursor uintptr
	mem               []byte
	section           bool
}

func (b *codeBuffer) free() uintptr {
	return b.end - b.cursor
}

// BufferInfo describes one buffer in the code cache.
type BufferInfo struct {
	Base, End, Cursor uintptr

	// Section is true for buffers reserved for a whole code section.
	Section bool
}

// codeCache bump-allocates translated code into executable buffers that sit
// within rel32 reach of the code they were translated from. Nothing is ever
// freed.
//
// codeCache is not safe for concurrent use. The Translator lock covers it.
type codeCache struct {
	pager      pager
	bufferSize int
	buffers    []*codeBuffer
	log        *zap.Logger
}

func newCodeCache(p pager, bufferSize int, log *zap.Logger) *codeCache {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &codeCache{
		pager:      p,
		bufferSize: bufferSize,
		log:        log,
	}
}

// createSectionBuffer reserves a buffer the size of [start, end) close to
// start. Code translated from that section ends up there first.
func (c *codeCache) createSectionBuffer(start, end uintptr) error {
	if end <= start {
		return fmt.Errorf("empty section %#x-%#x", start, end)
	}

	buf, err := c.newBuffer(start, int(end-start), true)
	if err != nil {
		return err
	}

	c.log.Info("created section buffer",
		zap.Stringer("base", hexAddr(buf.base)),
		zap.Stringer("end", hexAddr(buf.end)),
		zap.String("size", units.BytesSize(float64(buf.end-buf.base))),
	)
	return nil
}

// place relocates the assembled code into the cache near source. It returns
// the address the code was written to and its final length.
func (c *codeCache) place(a *assembler, source uintptr) (uintptr, int, error) {
	size := a.Size()
	if size == 0 {
		return 0, 0, ErrNoCode
	}

	buf := c.find(size, source)
	if buf == nil {
		var err error
		buf, err = c.newBuffer(source, max(c.bufferSize, size), false)
		if err != nil {
			return 0, 0, err
		}
		c.log.Info("created buffer",
			zap.Stringer("base", hexAddr(buf.base)),
			zap.Stringer("end", hexAddr(buf.end)),
			zap.Stringer("near", hexAddr(source)),
			zap.String("size", units.BytesSize(float64(buf.end-buf.base))),
		)
	}

	dest := buf.cursor
	code, err := a.Relocate(dest)
	if err != nil {
		// The space is abandoned, not reused.
		buf.cursor += uintptr(size)
		return 0, 0, fmt.Errorf("%w: %w", ErrRelocate, err)
	}

	off := dest - buf.base
	n := copy(buf.mem[off:], code)
	clear(buf.mem[off+uintptr(n) : off+uintptr(size)])
	cacheflush(buf.mem[off : off+uintptr(n)])

	buf.cursor += uintptr(n)

	return dest, n, nil
}

// find returns the first buffer with room for size bytes that's in range of
// source.
func (c *codeCache) find(size int, source uintptr) *codeBuffer {
	for _, buf := range c.buffers {
		if buf.free() < uintptr(size) {
			continue
		}
		if !inRange(buf.cursor, source) || !inRange(buf.cursor+uintptr(size), source) {
			continue
		}
		return buf
	}
	return nil
}

func (c *codeCache) newBuffer(near uintptr, size int, section bool) (*codeBuffer, error) {
	base, mem, err := c.allocateNear(near, size)
	if err != nil {
		return nil, err
	}

	buf := &codeBuffer{
		base:    base,
		cursor:  base,
		end:     base + uintptr(len(mem)),
		mem:     mem,
		section: section,
	}
	c.buffers = append(c.buffers, buf)
	return buf, nil
}

// allocateNear maps size bytes as close to addr as it can find free space,
// stepping outward one page at a time and alternating between above and
// below. It returns the address of the mapping along with the memory.
func (c *codeCache) allocateNear(addr uintptr, size int) (uintptr, []byte, error) {
	step := c.pager.granularity()
	start := addr &^ (step - 1)
	length := (uintptr(size) + step - 1) &^ (step - 1)

	for dist := uintptr(0); dist <= maxDisplacement; dist += step {
		up := start + dist
		upOK := up >= start && inRange(up+length, addr)
		if upOK {
			if mem, err := c.pager.mapAt(up, int(length)); err == nil {
				return up, mem[:size], nil
			}
		}

		down := start - dist
		downOK := dist > 0 && dist <= start && inRange(down, addr)
		if downOK {
			if mem, err := c.pager.mapAt(down, int(length)); err == nil {
				return down, mem[:size], nil
			}
		}

		if !upOK && !downOK && dist > 0 {
			break
		}
	}

	return 0, nil, fmt.Errorf("%w: %d bytes near %#x", ErrNoMemory, size, addr)
}

// bufferInfo returns a snapshot of the buffers in allocation order.
func (c *codeCache) bufferInfo() []BufferInfo {
	info := make([]BufferInfo, len(c.buffers))
	for i, buf := range c.buffers {
		info[i] = BufferInfo{
			Base:    buf.base,
			End:     buf.end,
			Cursor:  buf.cursor,
			Section: buf.section,
		}
	}
	return info
}

// inRange reports whether a and b are within a rel32 displacement of each
// other.
func inRange(a, b uintptr) bool {
	if a > b {
		return a-b <= maxDisplacement
	}
	return b-a <= maxDisplacement
}
