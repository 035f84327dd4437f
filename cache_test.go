package nxjit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func jumpTo(target uintptr) *assembler {
	var a assembler
	a.jmp(target)
	return &a
}

func TestPlace(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	space := newFakeSpace()
	space.reserve(0x10000, 0x11000)

	c := newCodeCache(space, 0x1000, zap.NewNop())

	dest, n, err := c.place(jumpTo(0x10000), 0x10000)
	require.NoError(err)
	assert.Equal(uintptr(0x11000), dest)
	assert.Equal(5, n)
	assert.Equal(join([]byte{0xe9}, le32(0x10000-0x11005)), space.bytes(dest, n))

	// The next block goes straight after the first.
	dest2, _, err := c.place(jumpTo(0x10000), 0x10000)
	require.NoError(err)
	assert.Equal(dest+uintptr(n), dest2)

	buffers := c.bufferInfo()
	require.Len(buffers, 1)
	assert.Equal(BufferInfo{Base: 0x11000, End: 0x12000, Cursor: 0x1100a}, buffers[0])
}

func TestPlaceBumpInvariant(t *testing.T) {
	space := newFakeSpace()
	c := newCodeCache(space, 0x1000, zap.NewNop())

	var lastCursor uintptr
	for i := range 1000 {
		source := uintptr(0x100000 + i*0x40)

		var a assembler
		a.raw([]byte{0x90, 0x90, 0x90})
		a.jmp(source + 3)

		dest, n, err := c.place(&a, source)
		require.NoError(t, err)
		assert.True(t, inRange(dest, source))
		assert.True(t, inRange(dest+uintptr(n), source))

		for _, b := range c.bufferInfo() {
			assert.LessOrEqual(t, b.Base, b.Cursor)
			assert.LessOrEqual(t, b.Cursor, b.End)
		}

		last := c.bufferInfo()[len(c.buffers)-1]
		if len(c.buffers) == 1 {
			assert.GreaterOrEqual(t, last.Cursor, lastCursor)
			lastCursor = last.Cursor
		}
	}

	// 8 bytes a block, 0x1000 bytes a buffer.
	assert.Len(t, c.buffers, 2)
}

func TestPlaceNewBufferWhenOutOfRange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	space := newFakeSpace()
	c := newCodeCache(space, 0x1000, zap.NewNop())

	near, _, err := c.place(jumpTo(0x10000), 0x10000)
	require.NoError(err)

	// Plenty of room in the first buffer, but it's too far away.
	const farSource = 0x2_0000_0000
	far, _, err := c.place(jumpTo(farSource), farSource)
	require.NoError(err)

	assert.Len(c.buffers, 2)
	assert.True(inRange(near, 0x10000))
	assert.True(inRange(far, farSource))
	assert.False(inRange(far, near))
}

func TestPlaceSectionBufferFirst(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	core, logs := observer.New(zapcore.InfoLevel)

	space := newFakeSpace()
	space.reserve(0x10000, 0x12000)

	c := newCodeCache(space, 0x1000, zap.New(core))
	require.NoError(c.createSectionBuffer(0x10000, 0x12000))
	assert.Equal(1, logs.FilterMessage("created section buffer").Len())

	buffers := c.bufferInfo()
	require.Len(buffers, 1)
	assert.True(buffers[0].Section)
	assert.Equal(uintptr(0x2000), buffers[0].End-buffers[0].Base)

	dest, _, err := c.place(jumpTo(0x10000), 0x10100)
	require.NoError(err)
	assert.Equal(buffers[0].Base, dest)
	assert.Len(c.buffers, 1)
	assert.Zero(logs.FilterMessage("created buffer").Len())
}

func TestCreateSectionBufferEmpty(t *testing.T) {
	c := newCodeCache(newFakeSpace(), 0x1000, zap.NewNop())
	assert.Error(t, c.createSectionBuffer(0x2000, 0x2000))
	assert.Empty(t, c.buffers)
}

func TestAllocateNearAlternates(t *testing.T) {
	space := newFakeSpace()
	space.reserve(0x50000, 0x51000)
	space.reserve(0x51000, 0x52000)

	c := newCodeCache(space, 0x1000, zap.NewNop())
	base, mem, err := c.allocateNear(0x50000, 0x1000)
	require.NoError(t, err)

	assert.Equal(t, uintptr(0x4f000), base)
	assert.Len(t, mem, 0x1000)
	assert.Equal(t, []uintptr{0x50000, 0x51000, 0x4f000}, space.mapAttempts())
}

func TestAllocateNearRoundsUp(t *testing.T) {
	space := newFakeSpace()
	c := newCodeCache(space, 0x1000, zap.NewNop())

	base, mem, err := c.allocateNear(0x10123, 10)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10000), base)
	assert.Len(t, mem, 10)

	// The whole page is taken.
	_, err = space.mapAt(0x10000, 0x1000)
	assert.ErrorIs(t, err, errInUse)
}

func TestAllocateNearNoMemory(t *testing.T) {
	space := newFakeSpace()
	space.gran = 1 << 28
	space.reserve(0, 0x4_0000_0000)

	c := newCodeCache(space, 0x1000, zap.NewNop())

	_, _, err := c.place(jumpTo(0x1_0000_0000), 0x1_0000_0000)
	assert.ErrorIs(t, err, ErrNoMemory)
	assert.Empty(t, c.buffers)

	// Nothing was tried more than 2GiB away.
	for _, addr := range space.mapAttempts() {
		assert.True(t, inRange(addr, 0x1_0000_0000), "%#x", addr)
	}
}

func TestPlaceNoCode(t *testing.T) {
	c := newCodeCache(newFakeSpace(), 0x1000, zap.NewNop())

	_, _, err := c.place(&assembler{}, 0x10000)
	assert.ErrorIs(t, err, ErrNoCode)
	assert.Empty(t, c.buffers)
}

func TestPlaceRelocateError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := newCodeCache(newFakeSpace(), 0x1000, zap.NewNop())

	// A RIP-relative operand can't reach 4GiB.
	var a assembler
	a.pcRel([]byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}, 3, 0x1_0001_0000)

	_, _, err := c.place(&a, 0x10000)
	assert.ErrorIs(err, ErrRelocate)

	// The space is abandoned.
	buffers := c.bufferInfo()
	require.Len(buffers, 1)
	assert.Equal(buffers[0].Base+uintptr(a.Size()), buffers[0].Cursor)

	dest, _, err := c.place(jumpTo(0x10000), 0x10000)
	require.NoError(err)
	assert.Equal(buffers[0].Cursor, dest)
}

func TestInRange(t *testing.T) {
	assert.True(t, inRange(0, maxDisplacement))
	assert.True(t, inRange(maxDisplacement, 0))
	assert.False(t, inRange(0, maxDisplacement+1))
	assert.False(t, inRange(maxDisplacement+1, 0))
	assert.True(t, inRange(0x1000, 0x1000))
}
