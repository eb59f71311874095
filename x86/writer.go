package x86

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/sangohan/frida-gum/bin"
)

// Writer errors.
var (
	// ErrBufferFull is returned when an emitter does not have room left in
	// the output buffer; the cursor is left unchanged.
	ErrBufferFull = errors.New("x86: output buffer full")
	// ErrDisplacementOverflow is returned by Flush when a branch displacement
	// does not fit its encoded width.
	ErrDisplacementOverflow = errors.New("x86: branch displacement overflow")
)

// Label identifies a position in the output buffer. The relocator uses input
// instruction addresses as label identifiers; synthetic labels count down from
// the top of the label space.
type Label uint64

// labelRef is a displacement field awaiting resolution against a label.
type labelRef struct {
	// Offset of the displacement field in the output buffer.
	off int
	// Width of the field in bytes; 1 or 4.
	width int
	// Referenced label.
	label Label
}

// Writer emits x86 instructions into a caller-owned buffer, advancing a
// cursor with each instruction. Branches to labels are written with a zeroed
// displacement field and patched during Flush; the writer is otherwise
// single-pass append.
type Writer struct {
	// Output buffer.
	code []byte
	// Address at which code will execute.
	pc bin.Addr
	// Processor mode.
	mode Mode
	// Write cursor.
	cur int
	// Bound labels, by output offset.
	labels map[Label]int
	// Unresolved displacement fields.
	refs []labelRef
}

// NewWriter returns a writer emitting code into the given buffer, which will
// execute at address pc.
func NewWriter(code []byte, pc bin.Addr, mode Mode) *Writer {
	return &Writer{
		code:   code,
		pc:     pc,
		mode:   mode,
		labels: make(map[Label]int),
	}
}

// Offset returns the current cursor offset.
func (w *Writer) Offset() int {
	return w.cur
}

// Pc returns the address of the instruction the cursor points at.
func (w *Writer) Pc() bin.Addr {
	return w.pc + bin.Addr(w.cur)
}

// Code returns the emitted code.
func (w *Writer) Code() []byte {
	return w.code[:w.cur]
}

// commit appends the given complete instruction encoding, or reports
// ErrBufferFull leaving the cursor unchanged.
func (w *Writer) commit(enc []byte) error {
	if w.cur+len(enc) > len(w.code) {
		return errors.WithStack(ErrBufferFull)
	}
	copy(w.code[w.cur:], enc)
	w.cur += len(enc)
	return nil
}

// PutBytes copies raw instruction bytes to the output.
func (w *Writer) PutBytes(b []byte) error {
	return w.commit(b)
}

// PutLabel binds the given label to the current cursor offset. A label may be
// bound at most once.
func (w *Writer) PutLabel(label Label) error {
	if _, ok := w.labels[label]; ok {
		return errors.Errorf("label %#x bound twice", uint64(label))
	}
	w.labels[label] = w.cur
	return nil
}

// putRef emits the instruction encoding enc whose final width bytes are a
// displacement field referencing label, to be patched during Flush.
func (w *Writer) putRef(enc []byte, width int, label Label) error {
	if err := w.commit(enc); err != nil {
		return err
	}
	w.refs = append(w.refs, labelRef{off: w.cur - width, width: width, label: label})
	return nil
}

// Flush resolves all label references. It fails if a referenced label is
// unbound or a displacement does not fit its field. Flush must be called
// before the buffer is executed.
func (w *Writer) Flush() error {
	for _, ref := range w.refs {
		target, ok := w.labels[ref.label]
		if !ok {
			return errors.Errorf("unresolved reference to unbound label %#x", uint64(ref.label))
		}
		disp := target - (ref.off + ref.width)
		switch ref.width {
		case 1:
			if disp < math.MinInt8 || disp > math.MaxInt8 {
				return errors.Wrapf(ErrDisplacementOverflow, "rel8 displacement %d", disp)
			}
			w.code[ref.off] = byte(int8(disp))
		case 4:
			if disp < math.MinInt32 || disp > math.MaxInt32 {
				return errors.Wrapf(ErrDisplacementOverflow, "rel32 displacement %d", disp)
			}
			binary.LittleEndian.PutUint32(w.code[ref.off:], uint32(int32(disp)))
		default:
			return errors.Errorf("invalid displacement width %d", ref.width)
		}
	}
	w.refs = w.refs[:0]
	return nil
}

// rel32To computes the rel32 displacement from the instruction ending at
// cursor+instLen to the given absolute target, and reports whether it fits.
func (w *Writer) rel32To(target bin.Addr, instLen int) (int32, bool) {
	next := int64(w.pc) + int64(w.cur) + int64(instLen)
	disp := int64(target) - next
	if w.mode == ModeIA32 {
		// 32-bit displacements wrap around the 4 GiB address space.
		return int32(uint32(disp)), true
	}
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return 0, false
	}
	return int32(disp), true
}

// ### [ Branches ] ############################################################

// PutRet emits a near return.
func (w *Writer) PutRet() error {
	return w.commit([]byte{0xC3})
}

// PutRetImm emits a near return which pops imm bytes of arguments.
func (w *Writer) PutRetImm(imm uint16) error {
	enc := []byte{0xC2, 0, 0}
	binary.LittleEndian.PutUint16(enc[1:], imm)
	return w.commit(enc)
}

// PutNop emits a one-byte no-op.
func (w *Writer) PutNop() error {
	return w.commit([]byte{0x90})
}

// PutBreakpoint emits an INT3 trap.
func (w *Writer) PutBreakpoint() error {
	return w.commit([]byte{0xCC})
}

// PutPadding fills n bytes with INT3 traps.
func (w *Writer) PutPadding(n int) error {
	enc := make([]byte, n)
	for i := range enc {
		enc[i] = 0xCC
	}
	return w.commit(enc)
}

// PutJmpShortLabel emits a two-byte JMP rel8 to the given label.
func (w *Writer) PutJmpShortLabel(label Label) error {
	return w.putRef([]byte{0xEB, 0}, 1, label)
}

// PutJmpNearLabel emits a five-byte JMP rel32 to the given label.
func (w *Writer) PutJmpNearLabel(label Label) error {
	return w.putRef([]byte{0xE9, 0, 0, 0, 0}, 4, label)
}

// PutCallNearLabel emits a five-byte CALL rel32 to the given label.
func (w *Writer) PutCallNearLabel(label Label) error {
	return w.putRef([]byte{0xE8, 0, 0, 0, 0}, 4, label)
}

// PutJccShortLabel emits a two-byte Jcc rel8 to the given label.
func (w *Writer) PutJccShortLabel(cc Cond, label Label) error {
	return w.putRef([]byte{0x70 | byte(cc), 0}, 1, label)
}

// PutJccNearLabel emits a six-byte Jcc rel32 to the given label.
func (w *Writer) PutJccNearLabel(cc Cond, label Label) error {
	return w.putRef([]byte{0x0F, 0x80 | byte(cc), 0, 0, 0, 0}, 4, label)
}

// PutShortBranchLabel emits the given rel8 branch opcode (all bytes of the
// original encoding up to the displacement) followed by a rel8 field
// referencing the label. Used by the relocator to re-emit JCXZ and LOOP
// instructions, for which no rel32 form exists.
func (w *Writer) PutShortBranchLabel(opcode []byte, label Label) error {
	enc := make([]byte, len(opcode)+1)
	copy(enc, opcode)
	return w.putRef(enc, 1, label)
}

// PutJmpAddress emits a jump to the given absolute address: JMP rel32 when
// the displacement fits, otherwise (64-bit mode) a 14-byte push/ret sequence
// which loads the full 64-bit target.
func (w *Writer) PutJmpAddress(target bin.Addr) error {
	if rel, ok := w.rel32To(target, 5); ok {
		enc := []byte{0xE9, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(enc[1:], uint32(rel))
		return w.commit(enc)
	}
	return w.putJmpFar(target)
}

// putJmpFar emits the 14-byte absolute jump: push low32; mov dword
// [rsp+4], high32; ret.
func (w *Writer) putJmpFar(target bin.Addr) error {
	enc := make([]byte, 14)
	enc[0] = 0x68
	binary.LittleEndian.PutUint32(enc[1:], uint32(target))
	copy(enc[5:], []byte{0xC7, 0x44, 0x24, 0x04})
	binary.LittleEndian.PutUint32(enc[9:], uint32(target>>32))
	enc[13] = 0xC3
	return w.commit(enc)
}

// JmpAddressSize returns the encoded size PutJmpAddress would emit for the
// given target at the current cursor.
func (w *Writer) JmpAddressSize(target bin.Addr) int {
	if _, ok := w.rel32To(target, 5); ok {
		return 5
	}
	return 14
}

// PutCallAddress emits a call to the given absolute address: CALL rel32 when
// the displacement fits, otherwise a 16-byte RIP-relative indirect call
// through an inline 64-bit address slot.
func (w *Writer) PutCallAddress(target bin.Addr) error {
	if rel, ok := w.rel32To(target, 5); ok {
		enc := []byte{0xE8, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(enc[1:], uint32(rel))
		return w.commit(enc)
	}
	// call [rip+2]; jmp +8; dq target
	enc := make([]byte, 16)
	copy(enc, []byte{0xFF, 0x15, 0x02, 0x00, 0x00, 0x00, 0xEB, 0x08})
	binary.LittleEndian.PutUint64(enc[8:], uint64(target))
	return w.commit(enc)
}

// PutJccNearAddress emits a conditional branch to the given absolute
// address: Jcc rel32 when the displacement fits, otherwise an inverted short
// branch over an absolute jump.
func (w *Writer) PutJccNearAddress(cc Cond, target bin.Addr) error {
	if rel, ok := w.rel32To(target, 6); ok {
		enc := []byte{0x0F, 0x80 | byte(cc), 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(enc[2:], uint32(rel))
		return w.commit(enc)
	}
	// Inverted short branch over the absolute form; always the 14-byte
	// encoding so the skip distance is fixed.
	if err := w.commit([]byte{0x70 | byte(cc.Invert()), 14}); err != nil {
		return err
	}
	return w.putJmpFar(target)
}

// PutJmpReg emits an indirect jump through the given register.
func (w *Writer) PutJmpReg(reg Reg) error {
	return w.commit(w.encIndirect(0xE0, reg))
}

// PutCallReg emits an indirect call through the given register.
func (w *Writer) PutCallReg(reg Reg) error {
	return w.commit(w.encIndirect(0xD0, reg))
}

// encIndirect encodes FF /r group instructions (JMP r64, CALL r64).
func (w *Writer) encIndirect(modrmBase byte, reg Reg) []byte {
	if reg.extended() {
		return []byte{0x41, 0xFF, modrmBase | reg.low()}
	}
	return []byte{0xFF, modrmBase | reg.low()}
}

// ### [ Stack and flags ] #####################################################

// PutPushReg emits a push of the given register.
func (w *Writer) PutPushReg(reg Reg) error {
	if reg.extended() {
		return w.commit([]byte{0x41, 0x50 | reg.low()})
	}
	return w.commit([]byte{0x50 | reg.low()})
}

// PutPopReg emits a pop into the given register.
func (w *Writer) PutPopReg(reg Reg) error {
	if reg.extended() {
		return w.commit([]byte{0x41, 0x58 | reg.low()})
	}
	return w.commit([]byte{0x58 | reg.low()})
}

// PutPushfx pushes the flags register.
func (w *Writer) PutPushfx() error {
	return w.commit([]byte{0x9C})
}

// PutPopfx pops the flags register.
func (w *Writer) PutPopfx() error {
	return w.commit([]byte{0x9D})
}

// ### [ Moves and arithmetic ] ################################################

// rex computes a REX prefix for the given operand-size and register
// extension bits, or 0 if none is required.
func rex(w64 bool, r, b Reg) byte {
	var p byte
	if w64 {
		p |= 0x48
	}
	if r.extended() {
		p |= 0x44
	}
	if b.extended() {
		p |= 0x41
	}
	if p != 0 {
		p |= 0x40
	}
	return p
}

// encRM assembles prefix+opcode+ModR/M with optional displacement for a
// register/memory form with a register base.
func (w *Writer) encRM(opcode byte, reg, base Reg, disp int32) []byte {
	var enc []byte
	if w.mode == ModeX64 {
		enc = append(enc, rex(true, reg, base))
	} else if reg.extended() || base.extended() {
		warn.Printf("extended register not encodable in 32-bit mode")
	}
	enc = append(enc, opcode)
	rm := base.low()
	// A base of RBP/R13 has no disp-less form; it falls through to disp8.
	var mod byte
	switch {
	case disp == 0 && rm != RegRBP.low():
		mod = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		mod = 0x40
	default:
		mod = 0x80
	}
	enc = append(enc, mod|reg.low()<<3|rm)
	if rm == RegRSP.low() {
		// An RSP base requires a SIB byte.
		enc = append(enc, 0x24)
	}
	switch mod {
	case 0x40:
		enc = append(enc, byte(int8(disp)))
	case 0x80:
		var d [4]byte
		binary.LittleEndian.PutUint32(d[:], uint32(disp))
		enc = append(enc, d[:]...)
	}
	return enc
}

// PutMovRegReg emits a register to register move.
func (w *Writer) PutMovRegReg(dst, src Reg) error {
	var enc []byte
	if w.mode == ModeX64 {
		enc = append(enc, rex(true, src, dst))
	}
	enc = append(enc, 0x89, 0xC0|src.low()<<3|dst.low())
	return w.commit(enc)
}

// PutMovRegU64 loads a 64-bit immediate into the given register (64-bit mode
// only).
func (w *Writer) PutMovRegU64(dst Reg, v uint64) error {
	if w.mode != ModeX64 {
		return errors.Errorf("64-bit immediate load unavailable in %d-bit mode", w.mode)
	}
	enc := make([]byte, 10)
	enc[0] = 0x48
	if dst.extended() {
		enc[0] |= 0x01
	}
	enc[1] = 0xB8 | dst.low()
	binary.LittleEndian.PutUint64(enc[2:], v)
	return w.commit(enc)
}

// PutMovRegU32 loads a 32-bit immediate into the given register, zero
// extending in 64-bit mode.
func (w *Writer) PutMovRegU32(dst Reg, v uint32) error {
	var enc []byte
	if dst.extended() {
		enc = append(enc, 0x41)
	}
	enc = append(enc, 0xB8|dst.low())
	var imm [4]byte
	binary.LittleEndian.PutUint32(imm[:], v)
	enc = append(enc, imm[:]...)
	return w.commit(enc)
}

// PutMovRegRegOffsetPtr loads dst from the memory operand [src+offset].
func (w *Writer) PutMovRegRegOffsetPtr(dst, src Reg, offset int32) error {
	return w.commit(w.encRM(0x8B, dst, src, offset))
}

// PutMovRegOffsetPtrReg stores src to the memory operand [dst+offset].
func (w *Writer) PutMovRegOffsetPtrReg(dst Reg, offset int32, src Reg) error {
	return w.commit(w.encRM(0x89, src, dst, offset))
}

// PutLeaRegRegOffset loads the effective address src+offset into dst.
func (w *Writer) PutLeaRegRegOffset(dst, src Reg, offset int32) error {
	return w.commit(w.encRM(0x8D, dst, src, offset))
}

// PutAddRegImm adds an immediate to the given register.
func (w *Writer) PutAddRegImm(reg Reg, imm int32) error {
	return w.putALUImm(0x00, reg, imm)
}

// PutSubRegImm subtracts an immediate from the given register.
func (w *Writer) PutSubRegImm(reg Reg, imm int32) error {
	return w.putALUImm(0x28, reg, imm)
}

// putALUImm encodes the 81/83 ALU-with-immediate group; ext selects the
// operation (0x00 ADD, 0x28 SUB).
func (w *Writer) putALUImm(ext byte, reg Reg, imm int32) error {
	var enc []byte
	if w.mode == ModeX64 {
		enc = append(enc, rex(true, RegRAX, reg))
	}
	if imm >= math.MinInt8 && imm <= math.MaxInt8 {
		enc = append(enc, 0x83, 0xC0|ext|reg.low(), byte(int8(imm)))
		return w.commit(enc)
	}
	enc = append(enc, 0x81, 0xC0|ext|reg.low())
	var d [4]byte
	binary.LittleEndian.PutUint32(d[:], uint32(imm))
	enc = append(enc, d[:]...)
	return w.commit(enc)
}

