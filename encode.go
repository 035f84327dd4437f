package nxjit

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeJcc8     = 0x70 // Jcc rel8, low nibble is the condition
	opcodeJccNear  = 0x80 // 0F 8x: Jcc rel32
	opcodeTwoByte  = 0x0f
	opcodePUSH_RAX = 0x50
	opcodeMOV_RAX  = 0xb8 // with REX.W: MOV RAX, imm64
	opcodeXCHG     = 0x87
	opcodeRET      = 0xc3
	opcodeRETimm   = 0xc2
	opcodeJMP      = 0xe9 // JMP rel32
	opcodeJMP8     = 0xeb // JMP rel8
	opcodeJMPabs   = 0xff // FF /4: JMP r/m64

	prefixREXW = 0x48

	modrmRIP    = 0x25 // mod=00 reg=4 rm=101: [RIP+disp32] for FF /4
	modrmSIBRAX = 0x04 // mod=00 reg=RAX rm=100: SIB follows
	sibRSP      = 0x24 // no index, base RSP

	jmpNearLen = 5
	jmpFarLen  = 14 // FF 25 00000000 + 8-byte literal
	jccNearLen = 6
	jccFarLen  = 2 + jmpFarLen
	callSetup  = 1 + 10 + 4 // PUSH RAX; MOV RAX, imm64; XCHG [RSP], RAX
)

type itemKind int

const (
	itemRaw itemKind = iota
	itemPCRel
	itemJump
	itemCondJump
	itemShortJump
	itemCall
)

type item struct {
	kind itemKind

	// code is the instruction for itemRaw and itemPCRel, and the prefix and
	// opcode bytes for itemShortJump.
	code []byte

	// dispOff is the offset of the 32-bit displacement in code for
	// itemPCRel.
	dispOff int

	cond     byte
	target   uintptr
	returnTo uintptr
}

// assembler collects translated instructions. Nothing is encoded until the
// final address is known, which lets branches use the short form when the
// target is in range.
type assembler struct {
	items []item
}

// raw adds an instruction that can run from any address.
func (a *assembler) raw(code []byte) {
	a.items = append(a.items, item{kind: itemRaw, code: code})
}

// pcRel adds an instruction whose 32-bit displacement at dispOff must point
// to target.
func (a *assembler) pcRel(code []byte, dispOff int, target uintptr) {
	a.items = append(a.items, item{kind: itemPCRel, code: code, dispOff: dispOff, target: target})
}

func (a *assembler) jmp(target uintptr) {
	a.items = append(a.items, item{kind: itemJump, target: target})
}

// jcc adds a conditional jump. cond is the low nibble of the Jcc opcode.
func (a *assembler) jcc(cond byte, target uintptr) {
	a.items = append(a.items, item{kind: itemCondJump, cond: cond & 0xf, target: target})
}

// shortJump adds one of the jumps that only exist in rel8 form (JRCXZ,
// LOOP, etc.). code is everything before the rel8.
func (a *assembler) shortJump(code []byte, target uintptr) {
	a.items = append(a.items, item{kind: itemShortJump, code: code, target: target})
}

// call adds the equivalent of a CALL to target that returns to returnTo:
//
//	PUSH RAX
//	MOV RAX, <returnTo>
//	XCHG [RSP], RAX
//	JMP <target>
//
// A plain CALL would push an address in the code cache. This keeps the
// original return address on the stack.
func (a *assembler) call(target, returnTo uintptr) {
	a.items = append(a.items, item{kind: itemCall, target: target, returnTo: returnTo})
}

// Size returns the most bytes the code can take, which is what it takes if
// every branch needs the long form.
func (a *assembler) Size() int {
	size := 0
	for _, it := range a.items {
		switch it.kind {
		case itemRaw, itemPCRel:
			size += len(it.code)
		case itemJump:
			size += jmpFarLen
		case itemCondJump:
			size += jccFarLen
		case itemShortJump:
			size += len(it.code) + 1 + 2 + jmpFarLen
		case itemCall:
			size += callSetup + jmpFarLen
		}
	}
	return size
}

// Relocate encodes the code to run at base. The result is never longer than
// Size.
func (a *assembler) Relocate(base uintptr) ([]byte, error) {
	out := make([]byte, 0, a.Size())

	for i, it := range a.items {
		pc := base + uintptr(len(out))

		switch it.kind {
		case itemRaw:
			out = append(out, it.code...)

		case itemPCRel:
			next := pc + uintptr(len(it.code))
			disp, ok := rel32(next, it.target)
			if !ok {
				return nil, fmt.Errorf("item %d: %#x is out of range from %#x", i, it.target, next)
			}
			start := len(out)
			out = append(out, it.code...)
			binary.LittleEndian.PutUint32(out[start+it.dispOff:], uint32(disp))

		case itemJump:
			out = appendJump(out, pc, it.target)

		case itemCondJump:
			if disp, ok := rel32(pc+jccNearLen, it.target); ok {
				out = append(out, opcodeTwoByte, opcodeJccNear|it.cond)
				out = binary.LittleEndian.AppendUint32(out, uint32(disp))
			} else {
				// Skip over an absolute jump when the condition is false.
				out = append(out, opcodeJcc8|(it.cond^1), jmpFarLen)
				out = appendFarJump(out, it.target)
			}

		case itemShortJump:
			// <op> taken ; JMP8 skip ; taken: JMP target ; skip:
			out = append(out, it.code...)
			out = append(out, 2)
			jumpPC := pc + uintptr(len(it.code)) + 1 + 2
			jump := appendJump(nil, jumpPC, it.target)
			out = append(out, opcodeJMP8, byte(len(jump)))
			out = append(out, jump...)

		case itemCall:
			out = append(out, opcodePUSH_RAX)
			out = append(out, prefixREXW, opcodeMOV_RAX)
			out = binary.LittleEndian.AppendUint64(out, uint64(it.returnTo))
			out = append(out, prefixREXW, opcodeXCHG, modrmSIBRAX, sibRSP)
			out = appendJump(out, base+uintptr(len(out)), it.target)
		}
	}

	return out, nil
}

// appendJump appends a JMP rel32 if target is reachable from a jump at pc,
// otherwise a JMP through a literal.
func appendJump(out []byte, pc, target uintptr) []byte {
	if disp, ok := rel32(pc+jmpNearLen, target); ok {
		out = append(out, opcodeJMP)
		return binary.LittleEndian.AppendUint32(out, uint32(disp))
	}
	return appendFarJump(out, target)
}

// appendFarJump appends JMP [RIP+0] followed by the 8-byte target.
func appendFarJump(out []byte, target uintptr) []byte {
	out = append(out, opcodeJMPabs, modrmRIP, 0, 0, 0, 0)
	return binary.LittleEndian.AppendUint64(out, uint64(target))
}

// rel32 returns target-next if it fits in a signed 32-bit displacement.
func rel32(next, target uintptr) (int32, bool) {
	d := int64(target) - int64(next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, false
	}
	return int32(d), true
}

// conditionCode extracts the condition nibble from a Jcc in either the
// rel8 or rel32 form.
func conditionCode(inst x86asm.Inst) (byte, bool) {
	op := byte(inst.Opcode >> 24)
	switch {
	case op&0xf0 == opcodeJcc8:
		return op & 0xf, true
	case op == opcodeTwoByte:
		op2 := byte(inst.Opcode >> 16)
		if op2&0xf0 == opcodeJccNear {
			return op2 & 0xf, true
		}
	}
	return 0, false
}

func isCondJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS:
		return true
	}
	return false
}

// isShortOnlyJump matches the branches that have no rel32 encoding.
func isShortOnlyJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// translateInstruction adds the equivalent of in to a.
func translateInstruction(a *assembler, in *Instruction) error {
	switch {
	case in.Op == x86asm.RET && in.Args[0] == nil && in.Opcode>>24 == opcodeRETimm:
		a.raw([]byte{opcodeRET})

	case in.Op == x86asm.CALL && in.isRelBranch():
		a.call(in.Target, in.Next())

	case in.Op == x86asm.JMP && in.isRelBranch():
		a.jmp(in.Target)

	case isCondJump(in.Op) && in.isRelBranch():
		cond, ok := conditionCode(in.Inst)
		if !ok {
			return fmt.Errorf("%w: %s at %#x: unknown condition encoding", ErrTranslate, in, in.Addr)
		}
		a.jcc(cond, in.Target)

	case isShortOnlyJump(in.Op) && in.isRelBranch():
		a.shortJump(in.Raw[:in.PCRelOff], in.Target)

	case in.PCRel == 4:
		a.pcRel(in.Raw, in.PCRelOff, in.Target)

	case in.PCRel != 0:
		return fmt.Errorf("%w: %s at %#x: %d-byte relative operand", ErrTranslate, in, in.Addr, in.PCRel)

	default:
		a.raw(in.Raw)
	}

	return nil
}
