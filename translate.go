package nxjit

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"
)

// translation is one entry in the translation cache.
type translation struct {
	source, dest uintptr
	size         int
}

func byDest(a, b translation) bool {
	return a.dest < b.dest
}

// Translator turns branch regions into equivalent code in the code cache and
// remembers where it put them.
//
// One lock covers everything. A region is translated at most once, and once
// Resolve has returned a destination for an address every later call
// returns the same one.
type Translator struct {
	mu sync.Mutex

	mem      Memory
	cache    *codeCache
	validate bool
	log      *zap.Logger

	bySource map[uintptr]uintptr
	byDest   *btree.BTreeG[translation]
}

func newTranslator(mem Memory, cache *codeCache, validate bool, log *zap.Logger) *Translator {
	return &Translator{
		mem:      mem,
		cache:    cache,
		validate: validate,
		log:      log,
		bySource: map[uintptr]uintptr{},
		byDest:   btree.NewG(16, byDest),
	}
}

// Resolve returns the address of translated code for the branch region at
// source, translating it first if this is the first time source has been
// seen. Nothing is cached when it fails.
func (t *Translator) Resolve(source uintptr) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dest, ok := t.bySource[source]; ok {
		return dest, nil
	}

	region, err := decodeRegion(t.mem, source, false, t.log)
	if err != nil {
		return 0, err
	}

	if ce := t.log.Check(zap.DebugLevel, "decoded region"); ce != nil {
		ce.Write(
			zap.Stringer("source", hexAddr(source)),
			zap.Int("instructions", len(region)),
			zap.String("code", disassemble(region)),
		)
	}

	var a assembler
	for i := range region {
		if err := translateInstruction(&a, &region[i]); err != nil {
			return 0, err
		}
	}

	// Back to the original code after the region.
	a.jmp(region[len(region)-1].Next())

	dest, size, err := t.cache.place(&a, source)
	if err != nil {
		return 0, fmt.Errorf("placing region at %#x: %w", source, err)
	}

	t.bySource[source] = dest
	t.byDest.ReplaceOrInsert(translation{source: source, dest: dest, size: size})

	t.log.Debug("translated region",
		zap.Stringer("source", hexAddr(source)),
		zap.Stringer("dest", hexAddr(dest)),
		zap.Int("size", size),
	)

	if t.validate {
		t.validateRegion(region, dest)
	}

	return dest, nil
}

// validateRegion decodes the code at dest and compares it with the region
// it was translated from. Differences are logged and otherwise ignored.
func (t *Translator) validateRegion(region []Instruction, dest uintptr) {
	translated, err := decodeRegion(t.mem, dest, true, t.log)
	if err != nil {
		t.log.Warn("unable to decode translated region",
			zap.Stringer("source", hexAddr(region[0].Addr)),
			zap.Stringer("dest", hexAddr(dest)),
			zap.Error(err),
		)
		return
	}

	for i := range min(len(region), len(translated)) {
		want, got := region[i].String(), translated[i].String()
		if want == got {
			continue
		}
		t.log.Warn("translated instruction differs",
			zap.Stringer("source", hexAddr(region[i].Addr)),
			zap.Stringer("dest", hexAddr(translated[i].Addr)),
			zap.String("want", want),
			zap.String("got", got),
		)
	}

	if len(translated) < len(region) {
		t.log.Warn("translated region is short",
			zap.Stringer("source", hexAddr(region[0].Addr)),
			zap.Stringer("dest", hexAddr(dest)),
			zap.Int("want", len(region)),
			zap.Int("got", len(translated)),
		)
	}
}

// CreateSectionBuffer reserves a code buffer the size of [start, end) close
// to start.
func (t *Translator) CreateSectionBuffer(start, end uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cache.createSectionBuffer(start, end)
}

// SourceOf returns the source address of the translated region that contains
// addr. It gives up rather than wait when a translation is in progress, which
// is the case when translated code faults while the lock is held.
func (t *Translator) SourceOf(addr uintptr) (uintptr, bool) {
	if !t.mu.TryLock() {
		return 0, false
	}
	defer t.mu.Unlock()

	var (
		found translation
		ok    bool
	)
	t.byDest.DescendLessOrEqual(translation{dest: addr}, func(tr translation) bool {
		found, ok = tr, true
		return false
	})

	if !ok || addr >= found.dest+uintptr(found.size) {
		return 0, false
	}
	return found.source, true
}

// Len returns the number of cached translations.
func (t *Translator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.bySource)
}

// Buffers returns a snapshot of the code cache's buffers.
func (t *Translator) Buffers() []BufferInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cache.bufferInfo()
}
