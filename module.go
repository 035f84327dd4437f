package nxjit

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Binject/debug/pe"
)

const (
	_IMAGE_FILE_MACHINE_AMD64 = 0x8664
	_IMAGE_SCN_MEM_EXECUTE    = 0x20000000

	// Offset of e_lfanew in the DOS header.
	peOffsetField = 0x3c
)

// Section is an executable section of a loaded module.
type Section struct {
	Name string
	Range
}

// ModuleSections reads the headers of the PE image mapped at base and returns
// its executable sections.
func ModuleSections(mem Memory, base uintptr) ([]Section, error) {
	var magic [2]byte
	if err := mem.Read(base, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if string(magic[:]) != "MZ" {
		return nil, fmt.Errorf("%w: no DOS header at %#x", ErrBadImage, base)
	}

	var offset [4]byte
	if err := mem.Read(base+peOffsetField, offset[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	ntHeaders := base + uintptr(binary.LittleEndian.Uint32(offset[:]))

	var sig [4]byte
	if err := mem.Read(ntHeaders, sig[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadImage, err)
	}
	if string(sig[:]) != "PE\x00\x00" {
		return nil, fmt.Errorf("%w: no PE signature at %#x", ErrBadImage, ntHeaders)
	}

	var fh pe.FileHeader
	r := &memReader{mem: mem, addr: ntHeaders + uintptr(len(sig))}
	if err := binary.Read(r, binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("%w: file header: %w", ErrBadImage, err)
	}
	if fh.Machine != _IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("%w: machine type %#x", ErrBadImage, fh.Machine)
	}

	// Section headers follow the optional header.
	r.addr += uintptr(fh.SizeOfOptionalHeader)

	var sections []Section
	for i := range int(fh.NumberOfSections) {
		var sh pe.SectionHeader32
		if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
			return nil, fmt.Errorf("%w: section header %d: %w", ErrBadImage, i, err)
		}

		if sh.Characteristics&_IMAGE_SCN_MEM_EXECUTE == 0 {
			continue
		}

		size := sh.VirtualSize
		if size == 0 {
			size = sh.SizeOfRawData
		}
		if size == 0 {
			continue
		}

		start := base + uintptr(sh.VirtualAddress)
		sections = append(sections, Section{
			Name:  sectionName(sh.Name),
			Range: Range{Start: start, End: start + uintptr(size)},
		})
	}

	return sections, nil
}

func sectionName(name [8]uint8) string {
	n, _, _ := bytes.Cut(name[:], []byte{0})
	return string(n)
}
