package x86

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sangohan/frida-gum/bin"
)

// Decoding errors.
var (
	// ErrInvalid is returned when no legal decoding exists for the input
	// bytes.
	ErrInvalid = errors.New("x86: invalid instruction")
	// ErrUnsupported is returned for instructions which decode but which the
	// engine refuses to relocate.
	ErrUnsupported = errors.New("x86: unsupported instruction encoding")
)

// Class is the opcode class of an instruction, at the granularity the
// relocator distinguishes.
type Class int

// Opcode classes.
const (
	// ClassOther is any instruction not covered by the classes below.
	ClassOther Class = iota
	// ClassDataMove is a plain register/memory move.
	ClassDataMove
	// ClassArith is an integer ALU instruction.
	ClassArith
	// ClassStackOp is a push or pop.
	ClassStackOp
	// ClassBranch is a direct unconditional jump (JMP rel8/rel32).
	ClassBranch
	// ClassCondBranch is a conditional branch (Jcc, LOOP family, JCXZ
	// family), always rel8 or rel32.
	ClassCondBranch
	// ClassCall is a direct call (CALL rel32).
	ClassCall
	// ClassRet is a near return (RET, RET imm16).
	ClassRet
	// ClassIndirectBranch is an indirect jump or call (JMP/CALL r/m).
	ClassIndirectBranch
	// ClassRIPRelativeLoad is a non-branch instruction with a RIP-relative
	// memory operand (64-bit mode only).
	ClassRIPRelativeLoad
)

// Inst is a single decoded x86 instruction.
type Inst struct {
	// Address the instruction was decoded at.
	Addr bin.Addr
	// Raw instruction bytes.
	Raw []byte
	// Decoded instruction.
	x86asm.Inst
	// Opcode class.
	Class Class
	// Absolute branch target; valid only if HasTarget is set.
	Target bin.Addr
	// HasTarget reports whether the instruction is a direct branch with a
	// known absolute target.
	HasTarget bool
	// RIPRel reports whether a memory operand uses RIP-relative addressing.
	RIPRel bool
	// RelOff and RelWidth locate the PC-relative displacement field within
	// Raw; either the rel8/rel32 of a direct branch or the disp32 of a
	// RIP-relative memory operand. RelWidth is 0 when no such field exists.
	RelOff, RelWidth int
}

// Decode decodes the single instruction beginning at src, which is assumed to
// hold at least MaxInstructionLen readable bytes unless the block ends
// earlier. The instruction is annotated with the given address.
func Decode(src []byte, addr bin.Addr, mode Mode) (*Inst, error) {
	raw, err := x86asm.Decode(src, int(mode))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalid, "unable to decode instruction at address %v; %v", addr, err)
	}
	inst := &Inst{
		Addr: addr,
		Raw:  src[:raw.Len],
		Inst: raw,
	}
	inst.Class = classify(raw)
	// Absolute target of direct branches.
	if rel, ok := relArg(raw); ok {
		inst.Target = addr + bin.Addr(raw.Len) + bin.Addr(int64(rel))
		inst.HasTarget = true
		if raw.PCRel > 0 {
			inst.RelOff = raw.PCRelOff
			inst.RelWidth = raw.PCRel
		} else {
			// rel8 encodings always carry the displacement in the final
			// byte.
			inst.RelOff = raw.Len - 1
			inst.RelWidth = 1
		}
		switch inst.Class {
		case ClassBranch, ClassCondBranch, ClassCall:
			// Rewriteable branch forms.
		default:
			// PC-relative operands on anything else (e.g. XBEGIN) cannot be
			// rewritten by the relocator.
			return nil, errors.Wrapf(ErrUnsupported, "PC-relative operand on %v at address %v", raw.Op, addr)
		}
	}
	// RIP-relative memory operands.
	if mode == ModeX64 && hasRIPRelOperand(raw) {
		inst.RIPRel = true
		if inst.Class == ClassOther || inst.Class == ClassDataMove || inst.Class == ClassArith {
			inst.Class = ClassRIPRelativeLoad
		}
		off, err := ripDispOffset(inst.Raw)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		inst.RelOff = off
		inst.RelWidth = 4
	}
	return inst, nil
}

// classify determines the opcode class of the given instruction.
func classify(inst x86asm.Inst) Class {
	switch inst.Op {
	// Loop branches.
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return ClassCondBranch
	// Conditional branches.
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return ClassCondBranch
	// Unconditional branches.
	case x86asm.JMP:
		if _, ok := relArg(inst); ok {
			return ClassBranch
		}
		return ClassIndirectBranch
	// Calls.
	case x86asm.CALL:
		if _, ok := relArg(inst); ok {
			return ClassCall
		}
		return ClassIndirectBranch
	// Returns.
	case x86asm.RET, x86asm.LRET:
		return ClassRet
	// Stack operations.
	case x86asm.PUSH, x86asm.POP:
		return ClassStackOp
	// Plain moves.
	case x86asm.MOV, x86asm.MOVSX, x86asm.MOVZX, x86asm.LEA, x86asm.XCHG:
		return ClassDataMove
	// Integer ALU.
	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.TEST, x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT, x86asm.MUL, x86asm.IMUL, x86asm.DIV, x86asm.IDIV, x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return ClassArith
	}
	return ClassOther
}

// relArg returns the PC-relative displacement argument of the instruction, if
// any.
func relArg(inst x86asm.Inst) (x86asm.Rel, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if rel, ok := arg.(x86asm.Rel); ok {
			return rel, true
		}
	}
	return 0, false
}

// hasRIPRelOperand reports whether a memory operand of the instruction uses
// RIP-relative addressing.
func hasRIPRelOperand(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// ripDispOffset locates the disp32 field of a RIP-relative instruction by
// scanning the raw encoding up to its ModR/M byte. RIP-relative addressing
// (mod == 00, r/m == 101) never carries a SIB byte, so the displacement
// directly follows ModR/M.
func ripDispOffset(raw []byte) (int, error) {
	i := 0
	// Legacy prefixes.
scan:
	for i < len(raw) {
		switch raw[i] {
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0x66, 0x67, 0xF0, 0xF2, 0xF3:
			i++
		default:
			break scan
		}
	}
	if i >= len(raw) {
		return 0, errors.Wrapf(ErrInvalid, "truncated instruction % x", raw)
	}
	// REX prefix (64-bit mode).
	if raw[i]&0xF0 == 0x40 {
		i++
	}
	if i >= len(raw) {
		return 0, errors.Wrapf(ErrInvalid, "truncated instruction % x", raw)
	}
	switch raw[i] {
	case 0xC5:
		// Two-byte VEX; opcode follows the single payload byte.
		i += 3
	case 0xC4:
		// Three-byte VEX.
		i += 4
	case 0x0F:
		if i+1 >= len(raw) {
			return 0, errors.Wrapf(ErrInvalid, "truncated two-byte opcode % x", raw)
		}
		switch raw[i+1] {
		case 0x38, 0x3A:
			i += 3
		default:
			i += 2
		}
	default:
		i++
	}
	// i now indexes the ModR/M byte; disp32 follows immediately.
	if i+1+4 > len(raw) {
		return 0, errors.Wrapf(ErrInvalid, "missing disp32 in % x", raw)
	}
	return i + 1, nil
}
