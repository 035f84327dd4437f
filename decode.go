package nxjit

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"
)

const (
	decodeMode = 64

	// The longest legal x86 instruction.
	maxInstructionLen = 15

	// Regions that run this long without a control transfer are cut short.
	// The trampoline at the end keeps that correct, it just costs another
	// fault.
	maxRegionLen = 1024
)

// Instruction is a decoded instruction and where it was decoded from.
type Instruction struct {
	x86asm.Inst

	Addr uintptr
	Raw  []byte

	// Target is the absolute address of a relative branch, or the effective
	// address of a RIP-relative memory operand. Zero if there's neither.
	Target uintptr

	// ReturnTo is the return address pushed by a call that was folded out
	// of the push/mov/xchg/jmp sequence.
	ReturnTo uintptr

	// literal is set when Target was loaded from the 8-byte literal behind
	// a JMP [RIP+disp].
	literal bool
}

// Next returns the address of the following instruction.
func (in *Instruction) Next() uintptr {
	return in.Addr + uintptr(in.Len)
}

func (in *Instruction) isRelBranch() bool {
	_, ok := in.Args[0].(x86asm.Rel)
	return ok
}

// String formats the instruction in Intel order with branch targets and
// RIP-relative operands printed as absolute addresses. Two instructions
// with the same effect at different addresses format the same way.
func (in *Instruction) String() string {
	var b strings.Builder

	for _, p := range in.Prefix {
		if p == 0 {
			break
		}
		if p&(x86asm.PrefixImplicit|x86asm.PrefixIgnored) != 0 {
			continue
		}
		switch p & 0xFF {
		case x86asm.PrefixLOCK, x86asm.PrefixREP, x86asm.PrefixREPN:
			b.WriteString(strings.ToLower(p.String()))
			b.WriteByte(' ')
		}
	}

	b.WriteString(strings.ToLower(in.Op.String()))

	if in.literal || in.ReturnTo != 0 {
		fmt.Fprintf(&b, " %#x", in.Target)
		return b.String()
	}

	for i, arg := range in.Args {
		if arg == nil {
			break
		}
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}

		switch a := arg.(type) {
		case x86asm.Rel:
			fmt.Fprintf(&b, "%#x", in.Target)
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				fmt.Fprintf(&b, "[%#x]", in.Target)
			} else {
				b.WriteString(strings.ToLower(a.String()))
			}
		default:
			b.WriteString(strings.ToLower(arg.String()))
		}
	}

	return b.String()
}

// decodeInstruction decodes the instruction at addr. When literals is set, a
// JMP [RIP+0] has the destination in the literal that follows it loaded
// into Target.
func decodeInstruction(mem Memory, addr uintptr, literals bool) (Instruction, error) {
	buf := make([]byte, maxInstructionLen)
	n := readUpTo(mem, addr, buf)
	if n == 0 {
		return Instruction{}, fmt.Errorf("%w: unable to read %#x", ErrUnreadable, addr)
	}

	inst, err := x86asm.Decode(buf[:n], decodeMode)
	if err != nil {
		return Instruction{}, fmt.Errorf("%w: decode error at %#x: %v", ErrUnreadable, addr, err)
	}

	in := Instruction{
		Inst: inst,
		Addr: addr,
		Raw:  buf[:inst.Len:inst.Len],
	}

	// RET 0 is just RET.
	if in.Op == x86asm.RET {
		if imm, ok := in.Args[0].(x86asm.Imm); ok && imm == 0 {
			in.Args[0] = nil
		}
	}

	for _, arg := range in.Args {
		switch a := arg.(type) {
		case x86asm.Rel:
			in.Target = uintptr(int64(in.Next()) + int64(a))
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				// x86asm doesn't sign extend disp32.
				in.Target = uintptr(int64(in.Next()) + int64(int32(a.Disp)))
			}
		}
	}

	// Only the literal that appendFarJump writes directly behind the jump.
	// Any other JMP [RIP+disp] is a real indirect jump.
	if literals && in.Op == x86asm.JMP {
		if m, ok := in.Args[0].(x86asm.Mem); ok && m.Base == x86asm.RIP && m.Index == 0 && m.Disp == 0 {
			if target, err := readUint64(mem, in.Target); err == nil {
				in.Target = uintptr(target)
				in.literal = true
			}
		}
	}

	return in, nil
}

// endsRegion reports whether op is a control transfer that ends a branch
// region.
func endsRegion(op x86asm.Op) bool {
	switch op {
	case x86asm.CALL, x86asm.LCALL,
		x86asm.JMP, x86asm.LJMP,
		x86asm.RET, x86asm.LRET,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.INT, x86asm.INTO, x86asm.UD2,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSRET:
		return true
	}
	return false
}

// decodeRegion decodes instructions from addr through the first control
// transfer. A decode failure past the first instruction ends the region
// early.
//
// rewritten is set when decoding code this package generated, which turns
// on folding of the call sequence and loading of jump literals.
func decodeRegion(mem Memory, addr uintptr, rewritten bool, log *zap.Logger) ([]Instruction, error) {
	var region []Instruction

	for va := addr; len(region) < maxRegionLen; {
		in, err := decodeInstruction(mem, va, rewritten)
		if err != nil {
			if len(region) == 0 {
				return nil, err
			}
			log.Debug("region truncated", zap.Stringer("addr", hexAddr(va)), zap.Error(err))
			break
		}

		region = append(region, in)
		if rewritten {
			region = foldCallIdiom(region)
		}

		if endsRegion(region[len(region)-1].Op) {
			break
		}

		va = in.Next()
	}

	return region, nil
}

// foldCallIdiom replaces a trailing
//
//	PUSH RAX
//	MOV RAX, <return address>
//	XCHG [RSP], RAX
//	JMP <target>
//
// with a single CALL <target>. This is how calls are written to the code
// cache, see assembler.call.
func foldCallIdiom(region []Instruction) []Instruction {
	n := len(region)
	if n < 4 {
		return region
	}

	push, mov, xchg, jmp := &region[n-4], &region[n-3], &region[n-2], &region[n-1]
	if jmp.Op != x86asm.JMP {
		return region
	}
	if push.Op != x86asm.PUSH || push.Args[0] != x86asm.RAX {
		return region
	}
	if mov.Op != x86asm.MOV || mov.Args[0] != x86asm.RAX {
		return region
	}
	ret, ok := mov.Args[1].(x86asm.Imm)
	if !ok {
		return region
	}
	if xchg.Op != x86asm.XCHG || !isStackTopSwap(xchg.Args) {
		return region
	}

	call := *jmp
	call.Op = x86asm.CALL
	call.Addr = push.Addr
	call.Len = int(jmp.Next() - push.Addr)
	call.ReturnTo = uintptr(ret)
	call.Raw = bytes.Join([][]byte{push.Raw, mov.Raw, xchg.Raw, jmp.Raw}, nil)

	region = append(region[:n-4], call)
	return region
}

// isStackTopSwap matches the operands of XCHG [RSP], RAX in either order.
func isStackTopSwap(args x86asm.Args) bool {
	isTop := func(a x86asm.Arg) bool {
		m, ok := a.(x86asm.Mem)
		return ok && m.Base == x86asm.RSP && m.Index == 0 && m.Disp == 0
	}
	return isTop(args[0]) && args[1] == x86asm.RAX ||
		args[0] == x86asm.RAX && isTop(args[1])
}

// disassemble prints a region one instruction per line.
func disassemble(region []Instruction) string {
	var buf bytes.Buffer
	for i := range region {
		in := &region[i]
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", in.Addr, hex.EncodeToString(in.Raw), in.String())
	}
	return buf.String()
}

// hexAddr formats an address for logging.
type hexAddr uintptr

func (a hexAddr) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}
