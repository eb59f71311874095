package interceptor

import (
	"sync"
	"sync/atomic"

	"github.com/sangohan/frida-gum/x86"
)

// Listener receives enter and leave notifications for a hooked function.
// Both callbacks may read and mutate argument and return value slots through
// the invocation context. Listeners must not fault.
type Listener interface {
	OnEnter(ctx *InvocationContext)
	OnLeave(ctx *InvocationContext)
}

// FunctionContext is the per-target record of the interceptor: the installed
// redirect, the trampoline holding the relocated prologue and the thunks,
// and the attached listeners.
type FunctionContext struct {
	// Entry point of the hooked function.
	target uintptr
	// Bytes overwritten at the entry point; a whole number of instructions
	// minimally covering the redirect jump.
	originalPrologue []byte
	// Redirect jump encoding written over the prologue.
	redirect []byte
	// Base and length of the trampoline page region.
	trampoline     uintptr
	trampolineSize int
	// Address of the relocated prologue copy on the trampoline; calling it
	// invokes the original function.
	onInvoke uintptr
	// Addresses of the enter and leave thunks on the trampoline.
	enterThunk uintptr
	leaveThunk uintptr
	// Relocation mapping from prologue offsets to trampoline offsets, used
	// to migrate suspended threads out of the patch window.
	mapping []x86.MapEntry
	// Attached listeners, in insertion order, published for lock-free reads
	// from thunk dispatch.
	listeners atomic.Pointer[[]Listener]
	// Replacement entry point; non-zero for replaced functions.
	replacement uintptr
	// Registry handle baked into the thunks.
	handle uint64
}

// Target returns the entry point of the hooked function.
func (fctx *FunctionContext) Target() uintptr {
	return fctx.target
}

// OnInvoke returns the address of the relocated prologue copy; calling it
// invokes the original function without re-entering the interceptor.
func (fctx *FunctionContext) OnInvoke() uintptr {
	return fctx.onInvoke
}

// listenerList returns the published listener snapshot.
func (fctx *FunctionContext) listenerList() []Listener {
	if p := fctx.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

// setListeners publishes a new listener snapshot.
func (fctx *FunctionContext) setListeners(ls []Listener) {
	fctx.listeners.Store(&ls)
}

// hasListener reports whether l is attached to the context.
func (fctx *FunctionContext) hasListener(l Listener) bool {
	for _, x := range fctx.listenerList() {
		if x == l {
			return true
		}
	}
	return false
}

// ### [ Handle registry ] #####################################################

// The thunks identify their function context through a process-wide handle
// table rather than a raw pointer, so that contexts can be reclaimed without
// leaving dangling pointers baked into executable pages.
var handleRegistry struct {
	mu   sync.Mutex
	next uint64
	tab  atomic.Value // map[uint64]*FunctionContext
}

// registerHandle assigns a handle to the given context and publishes it.
func registerHandle(fctx *FunctionContext) uint64 {
	handleRegistry.mu.Lock()
	defer handleRegistry.mu.Unlock()
	handleRegistry.next++
	id := handleRegistry.next
	old, _ := handleRegistry.tab.Load().(map[uint64]*FunctionContext)
	tab := make(map[uint64]*FunctionContext, len(old)+1)
	for k, v := range old {
		tab[k] = v
	}
	tab[id] = fctx
	handleRegistry.tab.Store(tab)
	return id
}

// unregisterHandle removes a handle from the table.
func unregisterHandle(id uint64) {
	handleRegistry.mu.Lock()
	defer handleRegistry.mu.Unlock()
	old, _ := handleRegistry.tab.Load().(map[uint64]*FunctionContext)
	tab := make(map[uint64]*FunctionContext, len(old))
	for k, v := range old {
		if k != id {
			tab[k] = v
		}
	}
	handleRegistry.tab.Store(tab)
}

// lookupHandle resolves a handle without locking; the table is an immutable
// snapshot.
func lookupHandle(id uint64) *FunctionContext {
	tab, _ := handleRegistry.tab.Load().(map[uint64]*FunctionContext)
	return tab[id]
}
