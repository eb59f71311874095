// Package interceptor installs and removes inline hooks on functions of the
// running process. A hooked function has its prologue overwritten with a
// redirect jump to a trampoline holding a relocated copy of the original
// prologue and a pair of thunks which marshal the CPU state to user supplied
// enter/leave listeners.
package interceptor

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"

	"github.com/sangohan/frida-gum/mem"
	"github.com/sangohan/frida-gum/x86"
)

var (
	// dbg is a logger which logs debug messages with "interceptor:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("interceptor:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Interceptor errors.
var (
	// ErrAttachFailed is returned when a target cannot be hooked; the target
	// is left unmodified.
	ErrAttachFailed = errors.New("interceptor: attach failed")
	// ErrAlreadyReplaced is returned when attach and replace are mixed on
	// the same target.
	ErrAlreadyReplaced = errors.New("interceptor: target already replaced")
	// ErrPatchUnsafe is returned when another thread sits inside the bytes
	// being patched and cannot be migrated.
	ErrPatchUnsafe = errors.New("interceptor: unsafe to patch")
)

// Number of prologue bytes read ahead when arming a target.
const prologueReadLen = 32

// patchOp is one pending code patch, applied under thread suspension.
type patchOp struct {
	// Context the patch belongs to.
	fctx *FunctionContext
	// Patch location and bytes.
	addr uintptr
	code []byte
	// True when installing a redirect, false when restoring the original
	// prologue.
	arming bool
}

// Interceptor owns the process-wide hook table. All topology changes
// (attach, detach, replace) are serialised under a single lock; thunk
// dispatch reads published snapshots without locking.
type Interceptor struct {
	mu      sync.Mutex
	mode    x86.Mode
	alloc   mem.Allocator
	threads ThreadService
	// map[uintptr]*FunctionContext snapshot, by target address.
	contexts atomic.Value
	// Transaction nesting depth and the patches coalesced within it.
	txDepth int
	pending []patchOp
	// Contexts awaiting reclamation; freed only after the next
	// suspend/resume cycle so no in-flight thunk can still reach them.
	graveyard []*FunctionContext
}

// New returns an interceptor for the given processor mode. The thread
// service may be nil in single-threaded contexts; patches are then applied
// with plain writes.
func New(mode x86.Mode, alloc mem.Allocator, threads ThreadService) *Interceptor {
	ic := &Interceptor{
		mode:    mode,
		alloc:   alloc,
		threads: threads,
	}
	ic.contexts.Store(map[uintptr]*FunctionContext{})
	return ic
}

// snapshot returns the current context table.
func (ic *Interceptor) snapshot() map[uintptr]*FunctionContext {
	return ic.contexts.Load().(map[uintptr]*FunctionContext)
}

// publish stores a new context table containing fctx.
func (ic *Interceptor) publish(target uintptr, fctx *FunctionContext) {
	old := ic.snapshot()
	tab := make(map[uintptr]*FunctionContext, len(old)+1)
	for k, v := range old {
		tab[k] = v
	}
	tab[target] = fctx
	ic.contexts.Store(tab)
}

// unpublish stores a new context table without the given target.
func (ic *Interceptor) unpublish(target uintptr) {
	old := ic.snapshot()
	tab := make(map[uintptr]*FunctionContext, len(old))
	for k, v := range old {
		if k != target {
			tab[k] = v
		}
	}
	ic.contexts.Store(tab)
}

// Attach adds a listener to the function at target, hooking the function on
// first attachment. Duplicate listeners on one target are rejected.
func (ic *Interceptor) Attach(target uintptr, l Listener) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if fctx := ic.snapshot()[target]; fctx != nil {
		if fctx.replacement != 0 {
			return errors.WithStack(ErrAlreadyReplaced)
		}
		if fctx.hasListener(l) {
			return errors.Errorf("listener already attached to %#x", target)
		}
		ls := append([]Listener{}, fctx.listenerList()...)
		fctx.setListeners(append(ls, l))
		return nil
	}
	fctx, err := ic.arm(target, 0)
	if err != nil {
		return errors.WithStack(err)
	}
	fctx.setListeners([]Listener{l})
	op := patchOp{fctx: fctx, addr: target, code: fctx.redirect, arming: true}
	if err := ic.schedule(op); err != nil {
		ic.reclaim(fctx)
		return errors.Wrapf(ErrAttachFailed, "%v", err)
	}
	ic.publish(target, fctx)
	return nil
}

// Detach removes the listener from every target it is attached to. The hook
// of a target is removed when its last listener departs.
func (ic *Interceptor) Detach(l Listener) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for target, fctx := range ic.snapshot() {
		if !fctx.hasListener(l) {
			continue
		}
		var rest []Listener
		for _, x := range fctx.listenerList() {
			if x != l {
				rest = append(rest, x)
			}
		}
		if len(rest) > 0 {
			fctx.setListeners(rest)
			continue
		}
		fctx.setListeners(nil)
		if err := ic.disarm(target, fctx); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Replace installs replacement as the new entry point of target, returning
// the address of the relocated original prologue so that the replacement can
// invoke the original function. Replace and Attach are mutually exclusive on
// one target.
func (ic *Interceptor) Replace(target, replacement uintptr) (uintptr, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.snapshot()[target] != nil {
		return 0, errors.WithStack(ErrAlreadyReplaced)
	}
	fctx, err := ic.arm(target, replacement)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	op := patchOp{fctx: fctx, addr: target, code: fctx.redirect, arming: true}
	if err := ic.schedule(op); err != nil {
		ic.reclaim(fctx)
		return 0, errors.Wrapf(ErrAttachFailed, "%v", err)
	}
	ic.publish(target, fctx)
	return fctx.onInvoke, nil
}

// Revert removes the replacement installed on target and restores the
// original prologue.
func (ic *Interceptor) Revert(target uintptr) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	fctx := ic.snapshot()[target]
	if fctx == nil || fctx.replacement == 0 {
		return errors.Errorf("no replacement installed on %#x", target)
	}
	return errors.WithStack(ic.disarm(target, fctx))
}

// disarm queues the restore patch for the given context and schedules its
// reclamation. Must hold ic.mu.
func (ic *Interceptor) disarm(target uintptr, fctx *FunctionContext) error {
	ic.unpublish(target)
	ic.graveyard = append(ic.graveyard, fctx)
	op := patchOp{fctx: fctx, addr: target, code: fctx.originalPrologue, arming: false}
	if err := ic.schedule(op); err != nil {
		ic.graveyard = ic.graveyard[:len(ic.graveyard)-1]
		ic.publish(target, fctx)
		return errors.WithStack(err)
	}
	return nil
}

// BeginTransaction coalesces subsequent attach/detach/replace operations so
// that code patching happens in a single suspend/resume cycle at
// EndTransaction.
func (ic *Interceptor) BeginTransaction() {
	ic.mu.Lock()
	ic.txDepth++
	ic.mu.Unlock()
}

// EndTransaction applies all patches queued since BeginTransaction. On
// failure, the queued operations are rolled back and no patch is visible.
func (ic *Interceptor) EndTransaction() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.txDepth == 0 {
		return errors.New("end of transaction without begin")
	}
	ic.txDepth--
	if ic.txDepth > 0 {
		return nil
	}
	ops := ic.pending
	ic.pending = nil
	if err := ic.commit(ops); err != nil {
		ic.rollback(ops)
		return errors.WithStack(err)
	}
	return nil
}

// rollback reverses the bookkeeping of failed patch operations.
func (ic *Interceptor) rollback(ops []patchOp) {
	for _, op := range ops {
		if op.arming {
			ic.unpublish(op.addr)
			ic.reclaim(op.fctx)
		} else {
			for i, g := range ic.graveyard {
				if g == op.fctx {
					ic.graveyard = append(ic.graveyard[:i], ic.graveyard[i+1:]...)
					break
				}
			}
			ic.publish(op.addr, op.fctx)
		}
	}
}

// schedule queues the patch inside a transaction, or commits it immediately
// outside one. Must hold ic.mu.
func (ic *Interceptor) schedule(op patchOp) error {
	if ic.txDepth > 0 {
		ic.pending = append(ic.pending, op)
		return nil
	}
	return ic.commit([]patchOp{op})
}

// commit applies the given patches under one suspend/resume cycle,
// migrating or rejecting threads whose instruction pointer lies inside the
// bytes being rewritten, and reclaims retired contexts once no thread can
// reach them anymore.
func (ic *Interceptor) commit(ops []patchOp) error {
	var suspended []int
	resumeAll := func() {
		for i := len(suspended) - 1; i >= 0; i-- {
			if err := ic.threads.Resume(suspended[i]); err != nil {
				warn.Printf("unable to resume thread %d: %v", suspended[i], err)
			}
		}
	}
	if ic.threads != nil {
		tids, err := ic.threads.EnumerateOtherThreads()
		if err != nil {
			return errors.WithStack(err)
		}
		for _, tid := range tids {
			if err := ic.threads.Suspend(tid); err != nil {
				resumeAll()
				return errors.WithStack(err)
			}
			suspended = append(suspended, tid)
		}
		// Prove every patch safe before writing anything.
		for _, tid := range suspended {
			cpu, err := ic.threads.GetContext(tid)
			if err != nil {
				resumeAll()
				return errors.WithStack(err)
			}
			if err := ic.migrate(tid, uintptr(cpu.Rip), ops); err != nil {
				resumeAll()
				return errors.WithStack(err)
			}
		}
	}
	for _, op := range ops {
		if err := ic.applyPatch(op); err != nil {
			resumeAll()
			return errors.WithStack(err)
		}
	}
	if ic.threads != nil {
		resumeAll()
	}
	for _, fctx := range ic.graveyard {
		ic.reclaim(fctx)
	}
	ic.graveyard = nil
	return nil
}

// migrate moves a suspended thread out of the bytes a patch is about to
// rewrite: during arming, onto the equivalent offset within the relocated
// prologue; during disarming there is no equivalent location and the patch
// is refused.
func (ic *Interceptor) migrate(tid int, ip uintptr, ops []patchOp) error {
	for _, op := range ops {
		if ip <= op.addr || ip >= op.addr+uintptr(len(op.code)) {
			// A thread at the patch address itself executes a coherent
			// instruction both before and after the write.
			continue
		}
		if !op.arming {
			return errors.Wrapf(ErrPatchUnsafe, "thread %d at %#x inside redirect being removed", tid, ip)
		}
		out, ok := relocatedOut(op.fctx.mapping, int(ip-op.addr))
		if !ok {
			return errors.Wrapf(ErrPatchUnsafe, "thread %d at %#x has no relocated equivalent", tid, ip)
		}
		if err := ic.threads.SetInstructionPointer(tid, op.fctx.trampoline+uintptr(out)); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// applyPatch writes one patch: the page is made writable, the bytes are
// stored, protection is restored and the instruction cache flushed.
func (ic *Interceptor) applyPatch(op patchOp) error {
	base := mem.PageAlign(op.addr)
	length := int(op.addr-base) + len(op.code)
	if err := ic.alloc.SetProtection(base, length, mem.ProtRW); err != nil {
		return errors.WithStack(err)
	}
	copy(memSlice(op.addr, len(op.code)), op.code)
	if err := ic.alloc.SetProtection(base, length, mem.ProtRX); err != nil {
		return errors.WithStack(err)
	}
	ic.alloc.FlushICache(op.addr, len(op.code))
	return nil
}

// reclaim releases the trampoline pages and registry handle of a retired
// context.
func (ic *Interceptor) reclaim(fctx *FunctionContext) {
	unregisterHandle(fctx.handle)
	if err := ic.alloc.FreePages(fctx.trampoline); err != nil {
		warn.Printf("unable to free trampoline of %#x: %v", fctx.target, err)
	}
}

// ### [ Per-thread operations ] ###############################################

// IgnoreCurrentThread suppresses listener dispatch on the calling thread
// until UnignoreCurrentThread. Hooked functions still chain to their
// original implementation.
func (ic *Interceptor) IgnoreCurrentThread() {
	stateFor(threadID()).ignores++
}

// UnignoreCurrentThread re-enables listener dispatch on the calling thread.
func (ic *Interceptor) UnignoreCurrentThread() {
	ts := stateFor(threadID())
	if ts.ignores > 0 {
		ts.ignores--
	}
}

// CurrentInvocation returns the innermost in-flight invocation context of
// the calling thread, or nil outside listener dispatch.
func (ic *Interceptor) CurrentInvocation() *InvocationContext {
	return stateFor(threadID()).top()
}

// ### [ Helper functions ] ####################################################

// relocatedOut looks up the output offset of the instruction at the given
// input offset.
func relocatedOut(mapping []x86.MapEntry, in int) (int, bool) {
	for _, e := range mapping {
		if e.In == in {
			return e.Out, true
		}
	}
	return 0, false
}
