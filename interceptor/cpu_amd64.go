package interceptor

import (
	"unsafe"
)

// CPUContext is the integer register file saved by the trampoline thunks.
// The field order matches the save sequence emitted on the trampoline: R15
// sits at the lowest address, followed by the remaining general purpose
// registers, the flags, and the two slots the thunk fills explicitly.
type CPUContext struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rdi, Rsi, Rbp, Rbx, Rdx, Rcx, Rax    uint64
	Rflags                               uint64
	// Stack pointer of the intercepted call: in the on-enter thunk, the
	// stack pointer at function entry, pointing at the return address; in
	// the on-leave thunk, the stack pointer after the return.
	Rsp uint64
	// Entry address of the intercepted function.
	Rip uint64
}

// cpuContextSize is the number of bytes the thunks reserve for a CPUContext.
const cpuContextSize = 18 * 8

// Argument registers of the System V AMD64 calling convention, in argument
// order.
var sysvArgOrder = [...]func(*CPUContext) *uint64{
	func(c *CPUContext) *uint64 { return &c.Rdi },
	func(c *CPUContext) *uint64 { return &c.Rsi },
	func(c *CPUContext) *uint64 { return &c.Rdx },
	func(c *CPUContext) *uint64 { return &c.Rcx },
	func(c *CPUContext) *uint64 { return &c.R8 },
	func(c *CPUContext) *uint64 { return &c.R9 },
}

// argSlot returns a pointer to the n-th pointer-sized argument of the
// intercepted call: one of the six registers of the convention, or the
// corresponding stack slot above the return address.
func (c *CPUContext) argSlot(n int) *uint64 {
	if n < len(sysvArgOrder) {
		return sysvArgOrder[n](c)
	}
	// Stack arguments start directly above the return address.
	slot := uintptr(c.Rsp) + 8 + 8*uintptr(n-len(sysvArgOrder))
	return (*uint64)(unsafe.Pointer(slot))
}
