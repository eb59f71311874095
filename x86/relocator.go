package x86

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sangohan/frida-gum/bin"
)

// Relocation errors.
var (
	// ErrOutOfRange is returned when a rewritten displacement does not fit in
	// 32 bits signed; the caller must fall back to a heavier rewrite.
	ErrOutOfRange = errors.New("x86: rewritten displacement out of range")
)

// MapEntry is one pair of the relocation mapping, associating the offset of
// an input instruction with the offset of its translation in the output
// buffer.
type MapEntry struct {
	// Offset of the instruction within the input block.
	In int
	// Offset of its translation within the output buffer.
	Out int
}

// Relocator reads instructions from an input block and emits a semantically
// equivalent stream through a code writer at a different address: PC-relative
// operands are rebased, short branches are widened, and branches within the
// relocated window are resolved against the output positions of their target
// instructions.
type Relocator struct {
	// Input machine code.
	input []byte
	// Address the input executes at.
	inputPC bin.Addr
	// Output writer.
	w *Writer
	// Bytes consumed from input.
	inOff int
	// Decoded instructions awaiting translation.
	queue []*Inst
	// Set once an unconditional control transfer has been read.
	eob bool
	// Relocation mapping, appended in lock-step with each translation.
	mapping []MapEntry
	// Set once the end marker has been appended to the mapping.
	mapped bool
	// Next synthetic label for branch expansions. Synthetic labels count
	// down from the top of the label space; input-address labels are far
	// below it.
	nextLabel Label
}

// NewRelocator begins a relocation session reading machine code from input,
// which executes at address pc, and emitting through w.
func NewRelocator(input []byte, pc bin.Addr, w *Writer) *Relocator {
	return &Relocator{
		input:     input,
		inputPC:   pc,
		w:         w,
		nextLabel: ^Label(0),
	}
}

// ReadOne decodes the next input instruction and enqueues it for translation.
// It returns the total number of bytes consumed from the input so far, or 0
// once the end of the block has been reached (an unconditional control
// transfer was enqueued).
func (r *Relocator) ReadOne() (int, error) {
	if r.eob {
		return 0, nil
	}
	if r.mapped {
		// Retract the end marker; more instructions follow.
		r.mapping = r.mapping[:len(r.mapping)-1]
		r.mapped = false
	}
	if r.inOff >= len(r.input) {
		return 0, errors.Errorf("input exhausted at offset %d", r.inOff)
	}
	inst, err := Decode(r.input[r.inOff:], r.inputPC+bin.Addr(r.inOff), r.w.mode)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	r.inOff += inst.Len
	r.queue = append(r.queue, inst)
	switch inst.Class {
	case ClassBranch, ClassRet:
		r.eob = true
	case ClassIndirectBranch:
		// An indirect call resumes after the callee returns; only an
		// indirect jump terminates the block.
		if inst.Op == x86asm.JMP {
			r.eob = true
		}
	}
	return r.inOff, nil
}

// WriteOne dequeues one instruction and emits its translation. It reports
// false if nothing was queued.
func (r *Relocator) WriteOne() (bool, error) {
	if len(r.queue) == 0 {
		return false, nil
	}
	inst := r.queue[0]
	r.queue = r.queue[1:]
	r.mapping = append(r.mapping, MapEntry{
		In:  int(inst.Addr - r.inputPC),
		Out: r.w.Offset(),
	})
	// Bind the instruction's input address so branches from inside the
	// window can resolve against its translation.
	if err := r.w.PutLabel(Label(inst.Addr)); err != nil {
		return false, errors.WithStack(err)
	}
	if err := r.translate(inst); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// WriteAll translates every queued instruction and returns the number
// written. Afterwards an end marker pairing the number of input bytes read
// with the output length is appended to the mapping; a later ReadOne
// retracts it.
func (r *Relocator) WriteAll() (int, error) {
	n := 0
	for {
		ok, err := r.WriteOne()
		if err != nil {
			return n, errors.WithStack(err)
		}
		if !ok {
			break
		}
		n++
	}
	if len(r.mapping) > 0 && !r.mapped {
		r.mapping = append(r.mapping, MapEntry{In: r.inOff, Out: r.w.Offset()})
		r.mapped = true
	}
	return n, nil
}

// RelocatedOffset consults the relocation mapping for the output offset of
// the translation of the input instruction at the given address.
func (r *Relocator) RelocatedOffset(addr bin.Addr) (int, bool) {
	if addr < r.inputPC {
		return 0, false
	}
	in := int(addr - r.inputPC)
	for _, e := range r.mapping {
		if e.In == in {
			return e.Out, true
		}
	}
	return 0, false
}

// Mapping returns the relocation mapping built so far.
func (r *Relocator) Mapping() []MapEntry {
	return r.mapping
}

// Eob reports whether an unconditional control transfer has been read.
func (r *Relocator) Eob() bool {
	return r.eob
}

// Eoi reports whether the end of input has been reached: the block is
// terminated and every read instruction has been written.
func (r *Relocator) Eoi() bool {
	return r.eob && len(r.queue) == 0
}

// translate emits the translation of a single instruction.
func (r *Relocator) translate(inst *Inst) error {
	switch {
	case inst.RIPRel:
		return r.rewriteRIPRel(inst)
	case inst.Class == ClassCondBranch:
		return r.rewriteCondBranch(inst)
	case inst.Class == ClassBranch:
		return r.rewriteJmp(inst)
	case inst.Class == ClassCall && inst.HasTarget:
		return r.rewriteCall(inst)
	}
	// Identity; returns and register-indirect transfers are position
	// independent and copied verbatim.
	return errors.WithStack(r.w.PutBytes(inst.Raw))
}

// inWindow reports whether the given branch target lies inside the input
// window read so far.
func (r *Relocator) inWindow(target bin.Addr) bool {
	return target >= r.inputPC && target < r.inputPC+bin.Addr(r.inOff)
}

// rewriteJmp translates a direct unconditional jump. Short forms are widened
// unconditionally.
func (r *Relocator) rewriteJmp(inst *Inst) error {
	if r.inWindow(inst.Target) {
		return errors.WithStack(r.w.PutJmpNearLabel(Label(inst.Target)))
	}
	return errors.WithStack(r.w.PutJmpAddress(inst.Target))
}

// rewriteCall translates a direct call.
func (r *Relocator) rewriteCall(inst *Inst) error {
	if r.inWindow(inst.Target) {
		return errors.WithStack(r.w.PutCallNearLabel(Label(inst.Target)))
	}
	return errors.WithStack(r.w.PutCallAddress(inst.Target))
}

// rewriteCondBranch translates a conditional branch. Jcc forms are widened to
// rel32; the JCXZ and LOOP families have no rel32 form and are expanded into
// a short branch over an unconditional jump.
func (r *Relocator) rewriteCondBranch(inst *Inst) error {
	switch inst.Op {
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return r.expandShortOnlyBranch(inst)
	}
	cc, err := condFor(inst.Op)
	if err != nil {
		return errors.WithStack(err)
	}
	if r.inWindow(inst.Target) {
		return errors.WithStack(r.w.PutJccNearLabel(cc, Label(inst.Target)))
	}
	return errors.WithStack(r.w.PutJccNearAddress(cc, inst.Target))
}

// expandShortOnlyBranch re-emits a rel8-only branch (JCXZ/JECXZ/JRCXZ, LOOP
// family) as a three-instruction sequence: the original opcode branching over
// a short jump, followed by a full jump to the real target.
//
//	jcxz taken
//	jmp  skip
//	taken: jmp <target>
//	skip:
func (r *Relocator) expandShortOnlyBranch(inst *Inst) error {
	taken := r.newLabel()
	skip := r.newLabel()
	// Original opcode bytes minus the rel8 displacement.
	if err := r.w.PutShortBranchLabel(inst.Raw[:inst.Len-1], taken); err != nil {
		return errors.WithStack(err)
	}
	if err := r.w.PutJmpShortLabel(skip); err != nil {
		return errors.WithStack(err)
	}
	if err := r.w.PutLabel(taken); err != nil {
		return errors.WithStack(err)
	}
	if r.inWindow(inst.Target) {
		if err := r.w.PutJmpNearLabel(Label(inst.Target)); err != nil {
			return errors.WithStack(err)
		}
	} else {
		if err := r.w.PutJmpAddress(inst.Target); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(r.w.PutLabel(skip))
}

// rewriteRIPRel rebases the disp32 of a RIP-relative memory operand so that
// the effective address is unchanged at the new location.
func (r *Relocator) rewriteRIPRel(inst *Inst) error {
	oldDisp := int32(binary.LittleEndian.Uint32(inst.Raw[inst.RelOff:]))
	target := int64(inst.Addr) + int64(inst.Len) + int64(oldDisp)
	newDisp := target - (int64(r.w.Pc()) + int64(inst.Len))
	if newDisp < math.MinInt32 || newDisp > math.MaxInt32 {
		return errors.Wrapf(ErrOutOfRange, "RIP-relative operand at %v targets %#x", inst.Addr, target)
	}
	enc := make([]byte, inst.Len)
	copy(enc, inst.Raw)
	binary.LittleEndian.PutUint32(enc[inst.RelOff:], uint32(int32(newDisp)))
	return errors.WithStack(r.w.PutBytes(enc))
}

// newLabel allocates a synthetic label.
func (r *Relocator) newLabel() Label {
	l := r.nextLabel
	r.nextLabel--
	return l
}

// ### [ Helper functions ] ####################################################

// CanRelocate decodes forward from the start of input, which executes at
// address pc, to determine the smallest whole-instruction prefix of at least
// min bytes. It returns 0 if a non-relocatable instruction appears within
// that span, or if the block terminates before min bytes are covered.
func CanRelocate(input []byte, pc bin.Addr, min int, mode Mode) int {
	n := 0
	for n < min {
		inst, err := Decode(input[n:], pc+bin.Addr(n), mode)
		if err != nil {
			return 0
		}
		n += inst.Len
		if n >= min {
			break
		}
		switch inst.Class {
		case ClassBranch, ClassRet:
			// Block ends before the required span is covered.
			return 0
		case ClassIndirectBranch:
			if inst.Op == x86asm.JMP {
				return 0
			}
		}
	}
	return n
}

// condFor returns the condition code of a Jcc mnemonic.
func condFor(op x86asm.Op) (Cond, error) {
	switch op {
	case x86asm.JO:
		return CondO, nil
	case x86asm.JNO:
		return CondNO, nil
	case x86asm.JB:
		return CondB, nil
	case x86asm.JAE:
		return CondAE, nil
	case x86asm.JE:
		return CondE, nil
	case x86asm.JNE:
		return CondNE, nil
	case x86asm.JBE:
		return CondBE, nil
	case x86asm.JA:
		return CondA, nil
	case x86asm.JS:
		return CondS, nil
	case x86asm.JNS:
		return CondNS, nil
	case x86asm.JP:
		return CondP, nil
	case x86asm.JNP:
		return CondNP, nil
	case x86asm.JL:
		return CondL, nil
	case x86asm.JGE:
		return CondGE, nil
	case x86asm.JLE:
		return CondLE, nil
	case x86asm.JG:
		return CondG, nil
	}
	return 0, errors.Errorf("no condition code for %v", op)
}
