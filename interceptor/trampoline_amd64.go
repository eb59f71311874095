package interceptor

import (
	"math"

	"github.com/pkg/errors"

	"github.com/sangohan/frida-gum/bin"
	"github.com/sangohan/frida-gum/mem"
	"github.com/sangohan/frida-gum/x86"
)

// Redirect patch sizes: a rel32 jump when the trampoline is in reach, else
// the 14-byte push/ret absolute form.
const (
	redirectSizeNear = 5
	redirectSizeFar  = 14
)

// Offsets of the slots the thunks fill explicitly within CPUContext.
const (
	cpuCtxOffRsp = 16 * 8
	cpuCtxOffRip = 17 * 8
)

// Register save order of the thunks; the matching pops run in reverse. The
// resulting memory layout is the CPUContext field order.
var saveOrder = [...]x86.Reg{
	x86.RegRAX, x86.RegRCX, x86.RegRDX, x86.RegRBX, x86.RegRBP, x86.RegRSI, x86.RegRDI,
	x86.RegR8, x86.RegR9, x86.RegR10, x86.RegR11, x86.RegR12, x86.RegR13, x86.RegR14, x86.RegR15,
}

// arm builds a fully populated function context for target: trampoline pages
// near the target, the relocated prologue, the tail jump, and the thunks. It
// does not touch the target itself; the redirect patch is returned on the
// context for the caller to schedule. A non-zero replacement arms the target
// as a full replacement instead of a listener hook.
func (ic *Interceptor) arm(target uintptr, replacement uintptr) (*FunctionContext, error) {
	pageSize := mem.PageSize()
	tramp, err := ic.alloc.AllocPagesNear(1, mem.ProtRW, target, uint64(math.MaxInt32)-uint64(pageSize))
	if err != nil {
		// Out of rel32 reach; the redirect falls back to its absolute form.
		tramp, err = ic.alloc.AllocPages(1, mem.ProtRW)
		if err != nil {
			return nil, errors.Wrapf(ErrAttachFailed, "no trampoline pages for %#x: %v", target, err)
		}
	}
	fctx := &FunctionContext{
		target:         target,
		trampoline:     tramp,
		trampolineSize: pageSize,
		replacement:    replacement,
	}
	fctx.handle = registerHandle(fctx)
	redirectLen := redirectSizeNear
	if ic.mode == x86.ModeX64 && !rel32Reachable(target, tramp, pageSize) {
		redirectLen = redirectSizeFar
	}
	err = ic.buildTrampoline(fctx, redirectLen)
	if errors.Cause(err) == x86.ErrOutOfRange && redirectLen == redirectSizeNear {
		// Retry with the wider patch; a longer prologue may relocate where
		// the shorter one could not.
		err = ic.buildTrampoline(fctx, redirectSizeFar)
	}
	if err != nil {
		ic.reclaim(fctx)
		return nil, errors.Wrapf(ErrAttachFailed, "%v", err)
	}
	dbg.Printf("armed %#x: prologue %d bytes, trampoline at %#x", target, len(fctx.originalPrologue), tramp)
	return fctx, nil
}

// buildTrampoline writes the trampoline contents for fctx: the relocated
// prologue, the tail jump back to the remainder of the function, and the
// enter/leave thunks; then encodes the redirect patch.
func (ic *Interceptor) buildTrampoline(fctx *FunctionContext, redirectLen int) error {
	code := memSlice(fctx.target, prologueReadLen)
	n := x86.CanRelocate(code, bin.Addr(fctx.target), redirectLen, ic.mode)
	if n == 0 {
		return errors.Errorf("prologue of %#x cannot be relocated over %d bytes", fctx.target, redirectLen)
	}
	buf := memSlice(fctx.trampoline, fctx.trampolineSize)
	w := x86.NewWriter(buf, bin.Addr(fctx.trampoline), ic.mode)
	rl := x86.NewRelocator(code, bin.Addr(fctx.target), w)
	for read := 0; read < n; {
		r, err := rl.ReadOne()
		if err != nil {
			return errors.WithStack(err)
		}
		if r == 0 {
			break
		}
		read = r
	}
	fctx.onInvoke = fctx.trampoline
	if _, err := rl.WriteAll(); err != nil {
		return errors.WithStack(err)
	}
	if err := w.PutJmpAddress(bin.Addr(fctx.target) + bin.Addr(n)); err != nil {
		return errors.WithStack(err)
	}
	fctx.mapping = rl.Mapping()
	fctx.enterThunk = fctx.trampoline + uintptr(w.Offset())
	if err := ic.emitEnterThunk(w, fctx); err != nil {
		return errors.WithStack(err)
	}
	fctx.leaveThunk = fctx.trampoline + uintptr(w.Offset())
	if err := ic.emitLeaveThunk(w, fctx); err != nil {
		return errors.WithStack(err)
	}
	if err := w.Flush(); err != nil {
		return errors.WithStack(err)
	}
	fctx.originalPrologue = append([]byte(nil), code[:n]...)
	if err := ic.alloc.SetProtection(fctx.trampoline, w.Offset(), mem.ProtRX); err != nil {
		return errors.WithStack(err)
	}
	ic.alloc.FlushICache(fctx.trampoline, w.Offset())
	// Encode the redirect last; its destination depends on the thunk
	// placement.
	dest := fctx.enterThunk
	if fctx.replacement != 0 {
		dest = fctx.replacement
	}
	rw := x86.NewWriter(make([]byte, redirectSizeFar), bin.Addr(fctx.target), ic.mode)
	if err := rw.PutJmpAddress(bin.Addr(dest)); err != nil {
		return errors.WithStack(err)
	}
	if rw.Offset() > n {
		return errors.Errorf("redirect of %d bytes exceeds relocated prologue of %d bytes", rw.Offset(), n)
	}
	fctx.redirect = append([]byte(nil), rw.Code()...)
	return nil
}

// emitEnterThunk writes the on-enter thunk: it saves the full integer
// register file and flags into a CPUContext on the private stack, dispatches
// to the listeners, restores the registers and chains to the relocated
// prologue.
func (ic *Interceptor) emitEnterThunk(w *x86.Writer, fctx *FunctionContext) error {
	emit := emitter{w: w}
	// Reserve the Rsp and Rip slots, then save flags and registers; the
	// stack pointer now addresses a CPUContext.
	emit.do(func() error { return w.PutSubRegImm(x86.RegRSP, 16) })
	emit.do(w.PutPushfx)
	for _, r := range saveOrder {
		r := r
		emit.do(func() error { return w.PutPushReg(r) })
	}
	// Stack pointer at function entry.
	emit.do(func() error { return w.PutLeaRegRegOffset(x86.RegRAX, x86.RegRSP, cpuContextSize) })
	emit.do(func() error { return w.PutMovRegOffsetPtrReg(x86.RegRSP, cpuCtxOffRsp, x86.RegRAX) })
	emit.do(func() error { return w.PutMovRegU64(x86.RegRAX, uint64(fctx.target)) })
	emit.do(func() error { return w.PutMovRegOffsetPtrReg(x86.RegRSP, cpuCtxOffRip, x86.RegRAX) })
	// dispatchEnter(handle, ctx) through the C-ABI bridge.
	emit.do(func() error { return w.PutMovRegU64(x86.RegRDI, fctx.handle) })
	emit.do(func() error { return w.PutMovRegReg(x86.RegRSI, x86.RegRSP) })
	emit.do(func() error { return w.PutMovRegU64(x86.RegRAX, uint64(enterBridgeAddr())) })
	emit.do(func() error { return w.PutSubRegImm(x86.RegRSP, 8) })
	emit.do(func() error { return w.PutCallReg(x86.RegRAX) })
	emit.do(func() error { return w.PutAddRegImm(x86.RegRSP, 8) })
	for i := len(saveOrder) - 1; i >= 0; i-- {
		r := saveOrder[i]
		emit.do(func() error { return w.PutPopReg(r) })
	}
	emit.do(w.PutPopfx)
	emit.do(func() error { return w.PutAddRegImm(x86.RegRSP, 16) })
	emit.do(func() error { return w.PutJmpAddress(bin.Addr(fctx.onInvoke)) })
	return emit.err
}

// emitLeaveThunk writes the on-leave thunk, reached through the hijacked
// return address once the intercepted function returns. It saves the
// register file, dispatches to the listeners, and returns through the resume
// slot the dispatcher filled with the real return address.
func (ic *Interceptor) emitLeaveThunk(w *x86.Writer, fctx *FunctionContext) error {
	emit := emitter{w: w}
	// Resume slot, then the Rsp and Rip slots.
	emit.do(func() error { return w.PutSubRegImm(x86.RegRSP, 8) })
	emit.do(func() error { return w.PutSubRegImm(x86.RegRSP, 16) })
	emit.do(w.PutPushfx)
	for _, r := range saveOrder {
		r := r
		emit.do(func() error { return w.PutPushReg(r) })
	}
	// Stack pointer as the caller observes it after the return.
	emit.do(func() error { return w.PutLeaRegRegOffset(x86.RegRAX, x86.RegRSP, cpuContextSize+8) })
	emit.do(func() error { return w.PutMovRegOffsetPtrReg(x86.RegRSP, cpuCtxOffRsp, x86.RegRAX) })
	emit.do(func() error { return w.PutMovRegU64(x86.RegRAX, uint64(fctx.target)) })
	emit.do(func() error { return w.PutMovRegOffsetPtrReg(x86.RegRSP, cpuCtxOffRip, x86.RegRAX) })
	// dispatchLeave(handle, ctx, resumeSlot) through the C-ABI bridge.
	emit.do(func() error { return w.PutMovRegU64(x86.RegRDI, fctx.handle) })
	emit.do(func() error { return w.PutMovRegReg(x86.RegRSI, x86.RegRSP) })
	emit.do(func() error { return w.PutLeaRegRegOffset(x86.RegRDX, x86.RegRSP, cpuContextSize) })
	emit.do(func() error { return w.PutMovRegU64(x86.RegRAX, uint64(leaveBridgeAddr())) })
	emit.do(func() error { return w.PutSubRegImm(x86.RegRSP, 8) })
	emit.do(func() error { return w.PutCallReg(x86.RegRAX) })
	emit.do(func() error { return w.PutAddRegImm(x86.RegRSP, 8) })
	for i := len(saveOrder) - 1; i >= 0; i-- {
		r := saveOrder[i]
		emit.do(func() error { return w.PutPopReg(r) })
	}
	emit.do(w.PutPopfx)
	emit.do(func() error { return w.PutAddRegImm(x86.RegRSP, 16) })
	// Pops the resume slot, continuing at the real return address.
	emit.do(w.PutRet)
	return emit.err
}

// emitter short-circuits a sequence of writer calls on the first error.
type emitter struct {
	w   *x86.Writer
	err error
}

func (e *emitter) do(f func() error) {
	if e.err != nil {
		return
	}
	e.err = f()
}

// ### [ Helper functions ] ####################################################

// rel32Reachable reports whether every byte of the trampoline page is within
// rel32 range of the target.
func rel32Reachable(target, tramp uintptr, pageSize int) bool {
	lo, hi := tramp, tramp+uintptr(pageSize)
	d1 := int64(hi) - int64(target)
	d2 := int64(target) - int64(lo)
	return d1 <= math.MaxInt32 && d2 <= math.MaxInt32
}
