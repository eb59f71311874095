package interceptor

import (
	"sync"
	"unsafe"
)

// InvocationContext is the per-call record exposed to listeners. It is
// created on enter, survives until the matching leave, and gives listeners
// access to the argument and return value slots of the intercepted call.
type InvocationContext struct {
	// Saved register file.
	CPU *CPUContext
	// Identity of the thread which crossed the trampoline.
	threadID int
	// Invocation context of the caller for nested interceptions on the same
	// thread, or nil at the outermost level.
	parent *InvocationContext
	// Real return address of the intercepted call, displaced by the leave
	// thunk hijack.
	returnAddress uintptr
	// Hooked function this invocation belongs to.
	fctx *FunctionContext
	// UserData carries listener state from enter to leave.
	UserData interface{}
}

// Arg returns the n-th pointer-sized argument of the intercepted call,
// numbered following the platform calling convention.
func (ctx *InvocationContext) Arg(n int) uintptr {
	return uintptr(*ctx.CPU.argSlot(n))
}

// ReplaceArg overwrites the n-th argument of the intercepted call. Arguments
// beyond the register count of the convention are spilled to their stack
// slots.
func (ctx *InvocationContext) ReplaceArg(n int, v uintptr) {
	*ctx.CPU.argSlot(n) = uint64(v)
}

// ReturnValue returns the return value of the intercepted call. Only
// meaningful from OnLeave.
func (ctx *InvocationContext) ReturnValue() uintptr {
	return uintptr(ctx.CPU.Rax)
}

// ReplaceReturnValue overwrites the return value of the intercepted call.
func (ctx *InvocationContext) ReplaceReturnValue(v uintptr) {
	ctx.CPU.Rax = uint64(v)
}

// ReturnAddress returns the address the intercepted call will resume at.
func (ctx *InvocationContext) ReturnAddress() uintptr {
	return ctx.returnAddress
}

// ThreadID returns the identity of the thread which crossed the trampoline.
func (ctx *InvocationContext) ThreadID() int {
	return ctx.threadID
}

// Parent returns the invocation context of the caller for nested
// interceptions on the same thread, or nil at the outermost level.
func (ctx *InvocationContext) Parent() *InvocationContext {
	return ctx.parent
}

// threadState is the private record of one thread: its invocation stack and
// ignore counter. It is only ever touched by its own thread.
type threadState struct {
	// In-flight invocations, innermost last.
	stack []*InvocationContext
	// Listener dispatch is skipped while positive.
	ignores int
}

// threadStates maps thread ids to their private records.
var threadStates sync.Map // int -> *threadState

// stateFor returns the private record of the given thread, creating it on
// first use.
func stateFor(tid int) *threadState {
	if ts, ok := threadStates.Load(tid); ok {
		return ts.(*threadState)
	}
	ts, _ := threadStates.LoadOrStore(tid, &threadState{})
	return ts.(*threadState)
}

// top returns the innermost in-flight invocation, or nil.
func (ts *threadState) top() *InvocationContext {
	if len(ts.stack) == 0 {
		return nil
	}
	return ts.stack[len(ts.stack)-1]
}

// ### [ Thunk dispatch ] ######################################################

// dispatchEnter is reached from the on-enter thunk with the handle of the
// hooked function and the register file saved on the private stack. It
// pushes an invocation context, runs the listeners in insertion order, and
// hijacks the return address so that the on-leave thunk observes the return.
func dispatchEnter(handle uint64, cpu *CPUContext) {
	fctx := lookupHandle(handle)
	if fctx == nil {
		return
	}
	ts := stateFor(threadID())
	if ts.ignores > 0 {
		return
	}
	retSlot := (*uintptr)(unsafe.Pointer(uintptr(cpu.Rsp)))
	ctx := &InvocationContext{
		CPU:           cpu,
		threadID:      threadID(),
		parent:        ts.top(),
		returnAddress: *retSlot,
		fctx:          fctx,
	}
	ts.stack = append(ts.stack, ctx)
	listeners := fctx.listenerList()
	// The ignore counter is held across callbacks so that a listener
	// calling intercepted functions does not re-enter itself.
	ts.ignores++
	for _, l := range listeners {
		l.OnEnter(ctx)
	}
	ts.ignores--
	*retSlot = fctx.leaveThunk
}

// dispatchLeave is reached from the on-leave thunk once the intercepted
// function has returned. It runs the listeners in reverse insertion order,
// pops the invocation context, and publishes the real return address into
// the thunk's resume slot.
func dispatchLeave(handle uint64, cpu *CPUContext, resumeSlot *uintptr) {
	fctx := lookupHandle(handle)
	ts := stateFor(threadID())
	ctx := ts.top()
	if ctx == nil || fctx == nil {
		// Unbalanced leave; nothing sensible to resume at.
		panic("interceptor: leave without matching enter")
	}
	ts.stack = ts.stack[:len(ts.stack)-1]
	// Swap in the leave-time register file so return value accessors observe
	// and mutate the live registers.
	ctx.CPU = cpu
	listeners := fctx.listenerList()
	ts.ignores++
	for i := len(listeners) - 1; i >= 0; i-- {
		listeners[i].OnLeave(ctx)
	}
	ts.ignores--
	*resumeSlot = ctx.returnAddress
}
