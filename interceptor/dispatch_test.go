package interceptor

import (
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/sangohan/frida-gum/x86"
)

// orderListener records callback order into a private log.
type orderListener struct {
	name string
	log  *[]string
}

func (l *orderListener) OnEnter(ctx *InvocationContext) {
	*l.log = append(*l.log, "enter:"+l.name)
}

func (l *orderListener) OnLeave(ctx *InvocationContext) {
	*l.log = append(*l.log, "leave:"+l.name)
}

// fakeInvocation fabricates the state the thunks would have built: a
// function context registered for dispatch and a CPU context whose stack
// pointer addresses a return address slot.
type fakeInvocation struct {
	fctx  *FunctionContext
	stack []uint64
	cpu   *CPUContext
}

func newFakeInvocation(retAddr, leaveThunk uintptr) *fakeInvocation {
	f := &fakeInvocation{
		fctx:  &FunctionContext{target: 0x1000, leaveThunk: leaveThunk},
		stack: make([]uint64, 8),
	}
	f.stack[0] = uint64(retAddr)
	f.cpu = &CPUContext{Rsp: uint64(uintptr(unsafe.Pointer(&f.stack[0])))}
	f.fctx.handle = registerHandle(f.fctx)
	return f
}

func (f *fakeInvocation) close() {
	unregisterHandle(f.fctx.handle)
}

func TestDispatchOrderAndHijack(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var log []string
	f := newFakeInvocation(0x4111, 0x4222)
	defer f.close()
	l1 := &orderListener{name: "L1", log: &log}
	l2 := &orderListener{name: "L2", log: &log}
	f.fctx.setListeners([]Listener{l1, l2})

	dispatchEnter(f.fctx.handle, f.cpu)
	// The return address slot now diverts to the leave thunk.
	require.Equal(t, uint64(0x4222), f.stack[0])

	var resume uintptr
	dispatchLeave(f.fctx.handle, f.cpu, &resume)
	require.Equal(t, uintptr(0x4111), resume)

	require.Equal(t, []string{"enter:L1", "enter:L2", "leave:L2", "leave:L1"}, log)
}

func TestDispatchIgnoredThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var log []string
	f := newFakeInvocation(0x4111, 0x4222)
	defer f.close()
	f.fctx.setListeners([]Listener{&orderListener{name: "L1", log: &log}})

	ic := New(x86.ModeX64, nil, nil)
	ic.IgnoreCurrentThread()
	dispatchEnter(f.fctx.handle, f.cpu)
	ic.UnignoreCurrentThread()

	// No callbacks ran and the return address was left alone, so the call
	// chains straight through the original.
	require.Empty(t, log)
	require.Equal(t, uint64(0x4111), f.stack[0])
	require.Nil(t, ic.CurrentInvocation())
}

// recursingListener calls back into an intercepted function from OnEnter.
type recursingListener struct {
	inner  *fakeInvocation
	fired  int
	nested bool
}

func (l *recursingListener) OnEnter(ctx *InvocationContext) {
	l.fired++
	if l.inner != nil {
		inner := l.inner
		l.inner = nil
		// Dispatch for a second target from inside the callback; the
		// automatic ignore must suppress it.
		dispatchEnter(inner.fctx.handle, inner.cpu)
		l.nested = inner.stack[0] != uint64(0x5111)
	}
}

func (l *recursingListener) OnLeave(ctx *InvocationContext) {}

func TestDispatchSuppressesRecursion(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	outer := newFakeInvocation(0x4111, 0x4222)
	defer outer.close()
	inner := newFakeInvocation(0x5111, 0x5222)
	defer inner.close()
	il := &nopListener{}
	inner.fctx.setListeners([]Listener{il})
	rl := &recursingListener{inner: inner}
	outer.fctx.setListeners([]Listener{rl})

	dispatchEnter(outer.fctx.handle, outer.cpu)
	var resume uintptr
	dispatchLeave(outer.fctx.handle, outer.cpu, &resume)

	require.Equal(t, 1, rl.fired)
	require.False(t, rl.nested, "nested dispatch must not hijack while ignored")
	require.Equal(t, 0, il.enters)
}

func TestDispatchParentChain(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	outer := newFakeInvocation(0x4111, 0x4222)
	defer outer.close()
	inner := newFakeInvocation(0x5111, 0x5222)
	defer inner.close()

	var outerCtx, innerCtx *InvocationContext
	outer.fctx.setListeners([]Listener{&captureListener{into: &outerCtx}})
	inner.fctx.setListeners([]Listener{&captureListener{into: &innerCtx}})

	dispatchEnter(outer.fctx.handle, outer.cpu)
	dispatchEnter(inner.fctx.handle, inner.cpu)
	require.NotNil(t, outerCtx)
	require.NotNil(t, innerCtx)
	require.Nil(t, outerCtx.Parent())
	require.Equal(t, outerCtx, innerCtx.Parent())

	var resume uintptr
	dispatchLeave(inner.fctx.handle, inner.cpu, &resume)
	require.Equal(t, uintptr(0x5111), resume)
	dispatchLeave(outer.fctx.handle, outer.cpu, &resume)
	require.Equal(t, uintptr(0x4111), resume)
}

// captureListener stores the invocation context it observes.
type captureListener struct {
	into **InvocationContext
}

func (l *captureListener) OnEnter(ctx *InvocationContext) { *l.into = ctx }
func (l *captureListener) OnLeave(ctx *InvocationContext) {}

func TestDispatchArgumentAccess(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f := newFakeInvocation(0x4111, 0x4222)
	defer f.close()
	f.cpu.Rdi = 11
	f.cpu.Rsi = 22
	f.cpu.Rdx = 33
	f.cpu.Rcx = 44
	f.cpu.R8 = 55
	f.cpu.R9 = 66
	// Seventh argument sits on the stack above the return address.
	f.stack[1] = 77

	var ctx *InvocationContext
	f.fctx.setListeners([]Listener{&captureListener{into: &ctx}})
	dispatchEnter(f.fctx.handle, f.cpu)

	for i, want := range []uintptr{11, 22, 33, 44, 55, 66, 77} {
		require.Equal(t, want, ctx.Arg(i), "argument %d", i)
	}
	ctx.ReplaceArg(0, 99)
	require.Equal(t, uint64(99), f.cpu.Rdi)
	ctx.ReplaceArg(6, 88)
	require.Equal(t, uint64(88), f.stack[1])

	f.cpu.Rax = 123
	var resume uintptr
	dispatchLeave(f.fctx.handle, f.cpu, &resume)
	require.Equal(t, uintptr(123), ctx.ReturnValue())
	ctx.ReplaceReturnValue(321)
	require.Equal(t, uint64(321), f.cpu.Rax)
}

func TestDispatchConcurrentOrdering(t *testing.T) {
	const rounds = 1000
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			var log []string
			f := newFakeInvocation(0x4111, 0x4222)
			defer f.close()
			l1 := &orderListener{name: "L1", log: &log}
			l2 := &orderListener{name: "L2", log: &log}
			f.fctx.setListeners([]Listener{l1, l2})

			for i := 0; i < rounds; i++ {
				log = log[:0]
				f.stack[0] = 0x4111
				dispatchEnter(f.fctx.handle, f.cpu)
				var resume uintptr
				dispatchLeave(f.fctx.handle, f.cpu, &resume)
				if resume != 0x4111 {
					t.Errorf("round %d: resume at %#x", i, resume)
					return
				}
				for j, want := range []string{"enter:L1", "enter:L2", "leave:L2", "leave:L1"} {
					if log[j] != want {
						t.Errorf("round %d: callback %d = %q, want %q", i, j, log[j], want)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
